// Package main loads an image, draws the detected bubbles and contours over it,
// prints the bubble count and processing time and shows the result.
package main

import (
	"fmt"
	"os"

	"go.viam.com/rdk/logging"

	"github.com/viam-modules/bubble-detector/bubble"
)

const defaultImagePath = "image_bubbles.jpg"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	path := defaultImagePath
	if len(args) > 0 {
		path = args[0]
	}

	logger := logging.NewLogger("bubbles")

	detector, err := bubble.NewBubbleDetector(path, bubble.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	defer detector.Close()

	if _, err := detector.DetectCircles(); err != nil {
		return err
	}
	if _, err := detector.ProcessImage(); err != nil {
		return err
	}

	return detector.Show("Processed Image")
}
