package bubble

import (
	"fmt"
	"image"
	"time"
)

// ProcessReport is the outcome of a threshold/contour pass.
type ProcessReport struct {
	Count   int
	Elapsed time.Duration
	// Bounds holds the bounding rectangle of each drawn contour.
	Bounds []image.Rectangle
}

// ElapsedMillis returns Elapsed in fractional milliseconds.
func (r *ProcessReport) ElapsedMillis() float64 {
	return float64(r.Elapsed) / float64(time.Millisecond)
}

func (r *ProcessReport) String() string {
	return fmt.Sprintf("Bubble count: %d\nProcessing time: %.2fms\n", r.Count, r.ElapsedMillis())
}
