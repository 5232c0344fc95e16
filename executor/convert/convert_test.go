package convert

import (
	"testing"

	"github.com/brensch/reversi/game"
)

func TestEncodePlanes(t *testing.T) {
	dataPtr := PlanesToFloat32(game.InitialBlack, game.InitialWhite)
	defer PutFloatBuffer(dataPtr)
	data := *dataPtr

	var ownSum, enemySum float32
	for i := 0; i < PolicySize; i++ {
		ownSum += data[i]
		enemySum += data[PolicySize+i]
	}
	if ownSum != 2 || enemySum != 2 {
		t.Fatalf("plane sums=(%v,%v) want (2,2)", ownSum, enemySum)
	}
	if data[28] != 1 || data[PolicySize+27] != 1 {
		t.Fatalf("unexpected plane layout")
	}

	own, enemy := DecodePlanes(data)
	if own != game.InitialBlack || enemy != game.InitialWhite {
		t.Fatalf("decode=(%#x,%#x)", own, enemy)
	}
}

// Pooled buffers are reused without stale stones leaking through.
func TestEncodePlanesOverwritesPooledBuffer(t *testing.T) {
	first := PlanesToFloat32(^uint64(0), 0)
	PutFloatBuffer(first)
	second := PlanesToFloat32(1, 2)
	defer PutFloatBuffer(second)
	own, enemy := DecodePlanes(*second)
	if own != 1 || enemy != 2 {
		t.Fatalf("decode=(%#x,%#x) want (1,2)", own, enemy)
	}
}

func TestBytesMatchFloats(t *testing.T) {
	bytesPtr := PlanesToBytes(game.InitialWhite, game.InitialBlack)
	defer PutBuffer(bytesPtr)
	floats := make([]float32, FloatSize)
	ReadFloats(floats, *bytesPtr)

	want := make([]float32, FloatSize)
	EncodePlanes(want, game.InitialWhite, game.InitialBlack)
	for i := range want {
		if floats[i] != want[i] {
			t.Fatalf("index %d: %v != %v", i, floats[i], want[i])
		}
	}
	if got := AppendFloats(nil, want); len(got) != BufferSize {
		t.Fatalf("AppendFloats len=%d want %d", len(got), BufferSize)
	}
}

func BenchmarkPlanesToFloat32(b *testing.B) {
	for i := 0; i < b.N; i++ {
		p := PlanesToFloat32(game.InitialBlack, game.InitialWhite)
		PutFloatBuffer(p)
	}
}
