package convert

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	Width         = 8
	Height        = 8
	Channels      = 2
	BytesPerFloat = 4
	FloatSize     = Channels * Width * Height
	BufferSize    = FloatSize * BytesPerFloat
	PolicySize    = Width * Height
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, BufferSize)
		return &b
	},
}

var floatPool = sync.Pool{
	New: func() interface{} {
		b := make([]float32, FloatSize)
		return &b
	},
}

// GetBuffer returns a buffer from the pool.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b *[]byte) {
	bufferPool.Put(b)
}

func GetFloatBuffer() *[]float32 {
	return floatPool.Get().(*[]float32)
}

func PutFloatBuffer(b *[]float32) {
	floatPool.Put(b)
}

// EncodePlanes writes the evaluator input for one position into dst, which
// must hold FloatSize values.
// Layout: [Channels, Height, Width] (C, H, W). Channel 0 holds the stones of
// the side to move, channel 1 the opponent's. Square i maps to (i/8, i%8).
func EncodePlanes(dst []float32, own, enemy uint64) {
	_ = dst[FloatSize-1]
	for i := 0; i < PolicySize; i++ {
		bit := uint64(1) << uint(i)
		var o, e float32
		if own&bit != 0 {
			o = 1
		}
		if enemy&bit != 0 {
			e = 1
		}
		dst[i] = o
		dst[PolicySize+i] = e
	}
}

// PlanesToFloat32 encodes one position into a pooled slice. Caller must
// return it with PutFloatBuffer.
func PlanesToFloat32(own, enemy uint64) *[]float32 {
	dataPtr := GetFloatBuffer()
	EncodePlanes(*dataPtr, own, enemy)
	return dataPtr
}

// PlanesToBytes encodes one position as little-endian float32 values into a
// pooled byte slice. Caller must return it with PutBuffer.
func PlanesToBytes(own, enemy uint64) *[]byte {
	dataPtr := GetBuffer()
	data := *dataPtr
	for i := 0; i < PolicySize; i++ {
		bit := uint64(1) << uint(i)
		var o, e float32
		if own&bit != 0 {
			o = 1
		}
		if enemy&bit != 0 {
			e = 1
		}
		binary.LittleEndian.PutUint32(data[i*BytesPerFloat:], math.Float32bits(o))
		binary.LittleEndian.PutUint32(data[(PolicySize+i)*BytesPerFloat:], math.Float32bits(e))
	}
	return dataPtr
}

// DecodePlanes recovers the bitboards from an encoded position.
func DecodePlanes(src []float32) (own, enemy uint64) {
	for i := 0; i < PolicySize && PolicySize+i < len(src); i++ {
		if src[i] > 0.5 {
			own |= 1 << uint(i)
		}
		if src[PolicySize+i] > 0.5 {
			enemy |= 1 << uint(i)
		}
	}
	return own, enemy
}

// AppendFloats appends src to dst as little-endian float32 values.
func AppendFloats(dst []byte, src []float32) []byte {
	for _, v := range src {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

// ReadFloats decodes n little-endian float32 values from src into dst.
func ReadFloats(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*BytesPerFloat:]))
	}
}
