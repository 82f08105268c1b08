package audio

import (
	"encoding/binary"
	"math"
)

// SilenceDB is the floor reported for digital silence
const SilenceDB = -160.0

// LevelDB returns the RMS level of 16-bit PCM in dBFS
func LevelDB(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return SilenceDB
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return SilenceDB
	}

	db := 20 * math.Log10(rms/32768)
	if db < SilenceDB {
		return SilenceDB
	}
	return db
}
