package layers

// Dim fixes one layer dimension in the type system. The fixed-size layers
// take their sizes as Dim type parameters, so a topology known ahead of time
// is spelled out in the type, e.g. GRUT[float32, D1, D8].
//
// Implement Dim on an empty struct for sizes not listed here:
//
//	type D12 struct{}
//	func (D12) Size() int { return 12 }
type Dim interface {
	Size() int
}

type (
	D1  struct{}
	D2  struct{}
	D4  struct{}
	D8  struct{}
	D16 struct{}
	D24 struct{}
	D32 struct{}
	D40 struct{}
	D64 struct{}
)

func (D1) Size() int  { return 1 }
func (D2) Size() int  { return 2 }
func (D4) Size() int  { return 4 }
func (D8) Size() int  { return 8 }
func (D16) Size() int { return 16 }
func (D24) Size() int { return 24 }
func (D32) Size() int { return 32 }
func (D40) Size() int { return 40 }
func (D64) Size() int { return 64 }

func sizeOf[D Dim]() int {
	var d D
	return d.Size()
}
