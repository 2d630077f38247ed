package diskspace

const (
	frameBytesAbove1080p = 30 * 1024 * 1024
	frameBytesHD         = 20 * 1024 * 1024
	frameBytesSD         = 8 * 1024 * 1024

	// Intermediate artifacts overshoot the steady-state estimate while a
	// unit is being reprocessed.
	overheadRatio = 0.20
)

// EstimateFrameWork sizes the working-directory footprint of a per-frame
// restoration: uncompressed frame artifacts at a per-resolution rate plus
// processing overhead.
func EstimateFrameWork(width, height, frames int) uint64 {
	if frames <= 0 {
		return 0
	}

	var perFrame uint64
	switch {
	case height > 1080 || width > 1920:
		perFrame = frameBytesAbove1080p
	case height >= 720:
		perFrame = frameBytesHD
	default:
		perFrame = frameBytesSD
	}

	total := perFrame * uint64(frames)
	return total + uint64(float64(total)*overheadRatio)
}

// EstimateEncode sizes the encoder output conservatively at the input file
// size: restoration targets visually-lossless settings, so the output is
// rarely smaller than the source.
func EstimateEncode(inputSize uint64) uint64 {
	return inputSize
}
