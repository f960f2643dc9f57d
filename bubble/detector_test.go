package bubble

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"gocv.io/x/gocv"
)

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 0}
	black = color.RGBA{}
)

// canvas returns a uniform BGR image.
func canvas(cols, rows int, bg color.RGBA) gocv.Mat {
	s := gocv.NewScalar(float64(bg.B), float64(bg.G), float64(bg.R), 0)
	return gocv.NewMatWithSizeFromScalar(s, rows, cols, gocv.MatTypeCV8UC3)
}

// writeFixture encodes mat as a png under a temp dir and closes it.
func writeFixture(t *testing.T, mat gocv.Mat) string {
	t.Helper()
	defer mat.Close()
	fn := filepath.Join(t.TempDir(), "fixture.png")
	test.That(t, gocv.IMWrite(fn, mat), test.ShouldBeTrue)
	return fn
}

func discs(cols, rows int, bg, fg color.RGBA, radius int, centers ...image.Point) gocv.Mat {
	m := canvas(cols, rows, bg)
	for _, c := range centers {
		gocv.Circle(&m, c, radius, fg, -1)
	}
	return m
}

func newTestDetector(t *testing.T, fn string) (*BubbleDetector, *bytes.Buffer) {
	t.Helper()
	d, err := NewBubbleDetector(fn, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { d.Close() })
	out := &bytes.Buffer{}
	d.SetOutput(out)
	return d, out
}

func TestNewBubbleDetectorSizes(t *testing.T) {
	fn := writeFixture(t, discs(120, 80, white, black, 10, image.Pt(60, 40)))
	d, _ := newTestDetector(t, fn)

	test.That(t, d.Size(), test.ShouldResemble, image.Pt(120, 80))
	test.That(t, d.image.Channels(), test.ShouldEqual, 3)
	for _, m := range []gocv.Mat{d.gray, d.blurred} {
		test.That(t, m.Cols(), test.ShouldEqual, 120)
		test.That(t, m.Rows(), test.ShouldEqual, 80)
		test.That(t, m.Channels(), test.ShouldEqual, 1)
	}
}

func TestNewBubbleDetectorMissingFile(t *testing.T) {
	d, err := NewBubbleDetector(filepath.Join(t.TempDir(), "nope.jpg"), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrImageLoad), test.ShouldBeTrue)
	test.That(t, d, test.ShouldBeNil)
}

func TestNewBubbleDetectorUndecodable(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "garbage.jpg")
	test.That(t, os.WriteFile(fn, []byte("not an image"), 0o600), test.ShouldBeNil)

	d, err := NewBubbleDetector(fn, nil, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrImageLoad), test.ShouldBeTrue)
	test.That(t, d, test.ShouldBeNil)
}

func TestNewBubbleDetectorBadConfig(t *testing.T) {
	fn := writeFixture(t, canvas(20, 20, white))
	d, err := NewBubbleDetector(fn, &Config{BlurKernel: 4}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "blur_kernel")
	test.That(t, d, test.ShouldBeNil)
}

func TestDetectCirclesSingleDisc(t *testing.T) {
	center := image.Pt(50, 50)
	fn := writeFixture(t, discs(100, 100, white, black, 15, center))
	d, _ := newTestDetector(t, fn)

	circles, err := d.DetectCircles()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(circles), test.ShouldEqual, 1)
	test.That(t, circles[0].Radius, test.ShouldAlmostEqual, 15, 2)
	test.That(t, circles[0].Center.X, test.ShouldAlmostEqual, center.X, 2)
	test.That(t, circles[0].Center.Y, test.ShouldAlmostEqual, center.Y, 2)

	// filled orange, BGR (0,165,255)
	px := d.image.GetVecbAt(center.Y, center.X)
	test.That(t, []uint8(px), test.ShouldResemble, []uint8{0, 165, 255})
}

func TestDetectCirclesTwice(t *testing.T) {
	fn := writeFixture(t, discs(100, 100, white, black, 15, image.Pt(50, 50)))
	d, _ := newTestDetector(t, fn)

	first, err := d.DetectCircles()
	test.That(t, err, test.ShouldBeNil)
	second, err := d.DetectCircles()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldResemble, first)
}

func TestDetectCirclesBlank(t *testing.T) {
	fn := writeFixture(t, canvas(64, 64, white))
	d, _ := newTestDetector(t, fn)

	circles, err := d.DetectCircles()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, circles, test.ShouldBeEmpty)
}

func TestProcessImageBlank(t *testing.T) {
	fn := writeFixture(t, canvas(64, 64, black))
	d, out := newTestDetector(t, fn)

	report, err := d.ProcessImage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Count, test.ShouldEqual, 0)
	test.That(t, report.Elapsed, test.ShouldBeGreaterThanOrEqualTo, 0)
	test.That(t, report.Bounds, test.ShouldBeEmpty)
	test.That(t, out.String(), test.ShouldStartWith, "Bubble count: 0\nProcessing time: ")
}

func TestThreeBubbles(t *testing.T) {
	centers := []image.Point{image.Pt(40, 50), image.Pt(100, 50), image.Pt(160, 50)}
	fn := writeFixture(t, discs(200, 100, black, white, 12, centers...))
	d, out := newTestDetector(t, fn)

	circles, err := d.DetectCircles()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(circles), test.ShouldEqual, 3)

	report, err := d.ProcessImage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Count, test.ShouldEqual, 3)
	test.That(t, report.Elapsed, test.ShouldBeGreaterThan, 0)
	test.That(t, strings.HasPrefix(out.String(), "Bubble count: 3\n"), test.ShouldBeTrue)
	test.That(t, out.String(), test.ShouldEndWith, "ms\n")

	for _, c := range centers {
		var hit bool
		for _, r := range report.Bounds {
			hit = hit || c.In(r)
		}
		test.That(t, hit, test.ShouldBeTrue)
		px := d.image.GetVecbAt(c.Y, c.X)
		test.That(t, []uint8(px), test.ShouldResemble, []uint8{0, 165, 255})
	}
}

func TestWriteImage(t *testing.T) {
	fn := writeFixture(t, discs(80, 60, white, black, 10, image.Pt(40, 30)))
	d, _ := newTestDetector(t, fn)
	_, err := d.DetectCircles()
	test.That(t, err, test.ShouldBeNil)

	outFn := filepath.Join(t.TempDir(), "annotated.png")
	test.That(t, d.WriteImage(outFn), test.ShouldBeNil)

	reloaded, _ := newTestDetector(t, outFn)
	test.That(t, reloaded.Size(), test.ShouldResemble, d.Size())

	img, err := d.Image()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 80, 60))
}

func TestClosedDetector(t *testing.T) {
	fn := writeFixture(t, canvas(20, 20, white))
	d, err := NewBubbleDetector(fn, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, d.Close(), test.ShouldBeNil)
	test.That(t, d.Close(), test.ShouldBeNil)

	_, err = d.DetectCircles()
	test.That(t, errors.Is(err, ErrVisionOperation), test.ShouldBeTrue)
	_, err = d.ProcessImage()
	test.That(t, errors.Is(err, ErrVisionOperation), test.ShouldBeTrue)
	_, err = d.Image()
	test.That(t, errors.Is(err, ErrVisionOperation), test.ShouldBeTrue)
	test.That(t, errors.Is(d.Show("closed"), ErrVisionOperation), test.ShouldBeTrue)
}

func TestImageUnsupportedMatType(t *testing.T) {
	fn := writeFixture(t, canvas(8, 8, white))
	d, _ := newTestDetector(t, fn)

	d.image.Close()
	d.image = gocv.NewMatWithSize(8, 8, gocv.MatTypeCV32F)

	_, err := d.Image()
	test.That(t, errors.Is(err, ErrVisionOperation), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "converting image")
}

func TestNewBubbleDetectorFromImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	logger := logging.NewTestLogger(t)

	d, err := NewBubbleDetectorFromImage(img, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer d.Close()
	test.That(t, d.Size(), test.ShouldResemble, image.Pt(100, 50))

	crop := image.Rect(10, 5, 40, 25)
	cropped, err := NewBubbleDetectorFromImage(img, &Config{Crop: &crop}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer cropped.Close()
	test.That(t, cropped.Size(), test.ShouldResemble, image.Pt(30, 20))

	_, err = NewBubbleDetectorFromImage(nil, nil, logger)
	test.That(t, errors.Is(err, ErrImageLoad), test.ShouldBeTrue)
}
