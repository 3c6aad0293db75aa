package mapping

import (
	"math"
	"sync"
	"testing"

	"github.com/andresmejia3/refacer/internal/types"
)

func img(path string) *types.ImageHandle {
	return &types.ImageHandle{Path: path}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name  string
		slots types.SlotArray
		want  []types.SwapDirective
	}{
		{
			name: "Second slot missing destination",
			slots: types.SlotArray{
				{Origin: img("faceA.png"), Destination: img("faceB.png"), Threshold: 0.2},
				{Origin: img("faceC.png"), Destination: nil, Threshold: 0.5},
			},
			want: []types.SwapDirective{
				{Origin: types.ImageHandle{Path: "faceA.png"}, Destination: types.ImageHandle{Path: "faceB.png"}, Threshold: 0.2},
			},
		},
		{
			name: "Missing origin is skipped regardless of threshold",
			slots: types.SlotArray{
				{Origin: nil, Destination: img("faceB.png"), Threshold: 0.9},
			},
			want: []types.SwapDirective{},
		},
		{
			name: "Empty path counts as absent",
			slots: types.SlotArray{
				{Origin: img(""), Destination: img("faceB.png"), Threshold: 0.3},
				{Origin: img("faceA.png"), Destination: img(""), Threshold: 0.3},
			},
			want: []types.SwapDirective{},
		},
		{
			name: "Order follows slot index",
			slots: types.SlotArray{
				{Origin: img("1.png"), Destination: img("2.png"), Threshold: 0.1},
				{},
				{Origin: img("3.png"), Destination: img("4.png"), Threshold: 0.7},
			},
			want: []types.SwapDirective{
				{Origin: types.ImageHandle{Path: "1.png"}, Destination: types.ImageHandle{Path: "2.png"}, Threshold: 0.1},
				{Origin: types.ImageHandle{Path: "3.png"}, Destination: types.ImageHandle{Path: "4.png"}, Threshold: 0.7},
			},
		},
		{
			name: "Threshold above range is clamped",
			slots: types.SlotArray{
				{Origin: img("a.png"), Destination: img("b.png"), Threshold: 1.4},
			},
			want: []types.SwapDirective{
				{Origin: types.ImageHandle{Path: "a.png"}, Destination: types.ImageHandle{Path: "b.png"}, Threshold: 1.0},
			},
		},
		{
			name: "Threshold below range is clamped",
			slots: types.SlotArray{
				{Origin: img("a.png"), Destination: img("b.png"), Threshold: -0.3},
			},
			want: []types.SwapDirective{
				{Origin: types.ImageHandle{Path: "a.png"}, Destination: types.ImageHandle{Path: "b.png"}, Threshold: 0},
			},
		},
		{
			name:  "All empty",
			slots: make(types.SlotArray, 5),
			want:  []types.SwapDirective{},
		},
	}

	c := NewCompiler(true)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Compile(tt.slots)
			if got == nil {
				t.Fatal("Compile returned nil, expected a non-nil slice")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d directives, got %d (%+v)", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Directive %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCompilePassthrough(t *testing.T) {
	c := NewCompiler(false)
	got := c.Compile(types.SlotArray{{Origin: img("a.png"), Destination: img("b.png"), Threshold: 1.4}})
	if len(got) != 1 || got[0].Threshold != 1.4 {
		t.Fatalf("Expected threshold 1.4 to pass through, got %+v", got)
	}
}

func TestCompileDoesNotAliasSlots(t *testing.T) {
	origin := img("a.png")
	slots := types.SlotArray{{Origin: origin, Destination: img("b.png"), Threshold: 0.2}}

	got := NewCompiler(true).Compile(slots)
	origin.Path = "mutated.png"

	if got[0].Origin.Path != "a.png" {
		t.Errorf("Directive changed after slot mutation: %q", got[0].Origin.Path)
	}
}

func TestCompileConcurrent(t *testing.T) {
	c := NewCompiler(true)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slots := make(types.SlotArray, 3)
			if i%2 == 0 {
				slots[1] = types.Slot{Origin: img("even-o.png"), Destination: img("even-d.png"), Threshold: 0.1}
			} else {
				slots[0] = types.Slot{Origin: img("odd-o.png"), Destination: img("odd-d.png"), Threshold: 0.9}
				slots[2] = types.Slot{Origin: img("odd-o2.png"), Destination: img("odd-d2.png"), Threshold: 0.8}
			}
			got := c.Compile(slots)
			if i%2 == 0 {
				if len(got) != 1 || got[0].Origin.Path != "even-o.png" {
					t.Errorf("Even call got %+v", got)
				}
			} else {
				if len(got) != 2 || got[0].Origin.Path != "odd-o.png" || got[1].Origin.Path != "odd-o2.png" {
					t.Errorf("Odd call got %+v", got)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.5, 0.5},
		{0, 0},
		{1, 1},
		{1.4, 1},
		{-2, 0},
		{math.NaN(), 0},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromParallel(t *testing.T) {
	slots, err := FromParallel(
		[]*types.ImageHandle{img("faceA.png"), img("faceC.png")},
		[]*types.ImageHandle{img("faceB.png"), nil},
		[]float64{0.2, 0.5},
	)
	if err != nil {
		t.Fatalf("FromParallel failed: %v", err)
	}
	got := NewCompiler(true).Compile(slots)
	if len(got) != 1 {
		t.Fatalf("Expected 1 directive, got %d", len(got))
	}
	if got[0].Origin.Path != "faceA.png" || got[0].Destination.Path != "faceB.png" || got[0].Threshold != 0.2 {
		t.Errorf("Unexpected directive %+v", got[0])
	}

	if _, err := FromParallel([]*types.ImageHandle{nil}, nil, []float64{0.2}); err == nil {
		t.Error("Expected length mismatch error")
	}
}
