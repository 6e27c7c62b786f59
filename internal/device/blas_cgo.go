//go:build cgo && netlib

package device

// With -tags netlib and cgo, the BLAS32 and BLAS64 backends run on the
// system BLAS (OpenBLAS, Accelerate) instead of gonum's pure Go kernels.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("BLAS backends using netlib")
}
