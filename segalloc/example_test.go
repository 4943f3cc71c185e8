package segalloc_test

import (
	"fmt"

	"github.com/keanuspies/cs107/segalloc"
	"github.com/keanuspies/cs107/segment"
)

func Example() {
	provider, err := segment.NewArenaProvider(4, 4096)
	if err != nil {
		panic(err)
	}

	h := segalloc.NewHeap(provider)
	if !h.Init() {
		panic("init failed")
	}

	block := h.Malloc(24)
	fmt.Println(len(block))

	h.Free(block)
	fmt.Println(h.Validate())

	// Output:
	// 24
	// true
}
