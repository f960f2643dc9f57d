// Package bubble detects circular bubbles in an image with a Hough circle
// transform and a threshold/contour pass, and exposes the pipeline as a Viam
// vision service.
package bubble

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gocv.io/x/gocv"
)

var (
	// ErrImageLoad is returned when the input image cannot be read or decoded.
	ErrImageLoad = errors.New("failed to load image")
	// ErrVisionOperation is returned when an image transform produces no usable output.
	ErrVisionOperation = errors.New("vision operation failed")
)

// Circle is a single Hough detection in pixel coordinates.
type Circle struct {
	Center image.Point
	Radius int
}

// Bounds returns the square enclosing the circle.
func (c Circle) Bounds() image.Rectangle {
	return image.Rect(c.Center.X-c.Radius, c.Center.Y-c.Radius, c.Center.X+c.Radius, c.Center.Y+c.Radius)
}

// BubbleDetector owns the colour image and the grayscale rasters derived from
// it. All drawing goes onto the colour image.
type BubbleDetector struct {
	image   gocv.Mat
	gray    gocv.Mat
	blurred gocv.Mat

	conf   *Config
	color  color.RGBA
	logger logging.Logger
	out    io.Writer
	closed bool
}

// NewBubbleDetector loads the image at path and prepares the grayscale and
// blurred rasters. A nil conf means DefaultConfig.
func NewBubbleDetector(path string, conf *Config, logger logging.Logger) (*BubbleDetector, error) {
	if logger == nil {
		logger = logging.NewLogger("bubble")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(ErrImageLoad, "%s: %v", path, err)
	}

	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return nil, errors.Wrapf(ErrImageLoad, "%s: not a decodable image", path)
	}
	logger.Debugw("loaded image", "path", path, "cols", img.Cols(), "rows", img.Rows())

	return newBubbleDetector(img, conf, logger)
}

// NewBubbleDetectorFromImage prepares a detector from an in-memory image,
// cropping it first when conf.Crop is set.
func NewBubbleDetectorFromImage(img image.Image, conf *Config, logger logging.Logger) (*BubbleDetector, error) {
	if img == nil {
		return nil, errors.Wrap(ErrImageLoad, "nil image")
	}

	var nrgba *image.NRGBA
	if conf != nil && conf.Crop != nil {
		nrgba = imaging.Crop(img, *conf.Crop)
	} else {
		nrgba = imaging.Clone(img)
	}
	if nrgba.Bounds().Empty() {
		return nil, errors.Wrap(ErrImageLoad, "image is empty")
	}

	mat, err := gocv.ImageToMatRGB(nrgba)
	if err != nil {
		return nil, errors.Wrapf(ErrImageLoad, "converting image: %v", err)
	}
	return newBubbleDetector(mat, conf, logger)
}

// newBubbleDetector takes ownership of img, which must be a BGR Mat.
func newBubbleDetector(img gocv.Mat, conf *Config, logger logging.Logger) (*BubbleDetector, error) {
	if logger == nil {
		logger = logging.NewLogger("bubble")
	}
	if conf == nil {
		conf = DefaultConfig()
	} else {
		c := *conf
		c.setDefaults()
		conf = &c
	}
	if err := conf.validateParams(); err != nil {
		img.Close()
		return nil, err
	}
	fill, err := conf.fillColor()
	if err != nil {
		img.Close()
		return nil, err
	}

	gray := gocv.NewMat()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	if gray.Empty() {
		img.Close()
		gray.Close()
		return nil, errors.Wrap(ErrVisionOperation, "grayscale conversion produced an empty image")
	}

	blurred := gocv.NewMat()
	ksize := image.Pt(conf.BlurKernel, conf.BlurKernel)
	gocv.GaussianBlur(gray, &blurred, ksize, conf.BlurSigma, 0, gocv.BorderDefault)
	if blurred.Empty() {
		img.Close()
		gray.Close()
		blurred.Close()
		return nil, errors.Wrap(ErrVisionOperation, "gaussian blur produced an empty image")
	}

	return &BubbleDetector{
		image:   img,
		gray:    gray,
		blurred: blurred,
		conf:    conf,
		color:   fill,
		logger:  logger,
		out:     os.Stdout,
	}, nil
}

// SetOutput sets where ProcessImage writes its report lines.
func (d *BubbleDetector) SetOutput(w io.Writer) {
	d.out = w
}

// Size returns the dimensions shared by the colour, gray and blurred rasters.
func (d *BubbleDetector) Size() image.Point {
	return image.Pt(d.image.Cols(), d.image.Rows())
}

// DetectCircles runs the Hough circle transform over the blurred image and
// draws every detection as a filled disc onto the colour image.
func (d *BubbleDetector) DetectCircles() ([]Circle, error) {
	if d.closed {
		return nil, errors.Wrap(ErrVisionOperation, "detector is closed")
	}

	circles := gocv.NewMat()
	defer circles.Close()

	// https://docs.opencv.org/4.x/dd/d1a/group__imgproc__feature.html#ga47849c3be0d0406ad3ca45db65a25d2d
	gocv.HoughCirclesWithParams(
		d.blurred,          // src
		&circles,           // circles
		gocv.HoughGradient, // method
		d.conf.Dp,          // dp: inverse ratio of the accumulator resolution to the image resolution
		d.conf.MinDist,     // minDist: minimum distance between detected centers
		d.conf.Param1,      // param1: the higher threshold for the canny edge detector
		d.conf.Param2,      // param2: the accumulator threshold
		d.conf.MinRadius,   // minRadius
		d.conf.MaxRadius,   // maxRadius
	)

	found := make([]Circle, 0, circles.Cols())
	for i := 0; i < circles.Cols(); i++ {
		v := circles.GetVecfAt(0, i)
		if len(v) < 3 {
			return nil, errors.Wrapf(ErrVisionOperation, "hough circle %d has %d components", i, len(v))
		}
		c := Circle{Center: image.Pt(int(v[0]), int(v[1])), Radius: int(v[2])}
		gocv.CircleWithParams(&d.image, c.Center, c.Radius, d.color, -1, gocv.LineAA, 0)
		found = append(found, c)
	}

	d.logger.Debugw("detected circles", "count", len(found))
	return found, nil
}

// ProcessImage thresholds the blurred image, draws every contour filled onto
// the colour image and reports the contour count and elapsed time.
func (d *BubbleDetector) ProcessImage() (*ProcessReport, error) {
	if d.closed {
		return nil, errors.Wrap(ErrVisionOperation, "detector is closed")
	}

	start := time.Now()

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(d.blurred, &thresh, float32(d.conf.Threshold), float32(d.conf.ThresholdMax), gocv.ThresholdBinary)
	if thresh.Empty() {
		return nil, errors.Wrap(ErrVisionOperation, "threshold produced an empty image")
	}

	contours := gocv.FindContours(thresh, gocv.RetrievalList, gocv.ChainApproxSimple)
	defer contours.Close()

	if contours.Size() > 0 {
		gocv.DrawContours(&d.image, contours, -1, d.color, -1)
	}

	report := &ProcessReport{
		Count:   contours.Size(),
		Elapsed: time.Since(start),
		Bounds:  make([]image.Rectangle, 0, contours.Size()),
	}
	for i := 0; i < contours.Size(); i++ {
		report.Bounds = append(report.Bounds, gocv.BoundingRect(contours.At(i)))
	}

	d.logger.Debugw("processed image", "contours", report.Count, "elapsed", report.Elapsed)
	if d.out != nil {
		if _, err := fmt.Fprint(d.out, report); err != nil {
			return nil, errors.Wrap(err, "writing report")
		}
	}
	return report, nil
}

// Image returns a copy of the annotated colour image.
func (d *BubbleDetector) Image() (image.Image, error) {
	if d.closed {
		return nil, errors.Wrap(ErrVisionOperation, "detector is closed")
	}
	img, err := d.image.ToImage()
	if err != nil {
		return nil, errors.Wrapf(ErrVisionOperation, "converting image: %v", err)
	}
	return img, nil
}

// WriteImage encodes the annotated colour image to path. The format follows
// the file extension.
func (d *BubbleDetector) WriteImage(path string) error {
	if d.closed {
		return errors.Wrap(ErrVisionOperation, "detector is closed")
	}
	if ok := gocv.IMWrite(path, d.image); !ok {
		return errors.Errorf("failed to save the output image to %s", path)
	}
	return nil
}

// Show displays the annotated image in a window and blocks until a key is pressed.
func (d *BubbleDetector) Show(title string) error {
	if d.closed {
		return errors.Wrap(ErrVisionOperation, "detector is closed")
	}
	window := gocv.NewWindow(title)
	defer window.Close()
	window.IMShow(d.image)
	window.WaitKey(0)
	return nil
}

// Close releases the rasters. It is safe to call more than once.
func (d *BubbleDetector) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.image.Close()
	d.gray.Close()
	d.blurred.Close()
	return nil
}
