package bubble

import (
	"context"
	"image"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
)

const (
	ModelName = "bubble-detector"

	countCommand = "count_bubbles"
)

var (
	// Model is the colon-delimited-triplet viam:bubble-detector:bubble-detector.
	Model            = resource.NewModel("viam", "bubble-detector", ModelName)
	errUnimplemented = errors.New("unimplemented")
)

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newBubbleService,
	})
}

type bubbleService struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	cam    camera.Camera
	conf   *Config
}

func newBubbleService(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	newConf.setDefaults()

	s := &bubbleService{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		conf:   newConf,
	}

	s.cam, err = camera.FromDependencies(deps, newConf.CameraName)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// analysis is the outcome of running both detection passes over one frame.
type analysis struct {
	circles []Circle
	report  *ProcessReport
	// annotated is only set when requested.
	annotated image.Image
}

// analyze runs circles then contours over img. Coordinates in the result
// refer to img, with the origin of the analysed region added back.
func analyze(img image.Image, conf *Config, logger logging.Logger, wantImage bool) (*analysis, error) {
	d, err := NewBubbleDetectorFromImage(img, conf, logger)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	d.SetOutput(io.Discard)

	circles, err := d.DetectCircles()
	if err != nil {
		return nil, err
	}
	report, err := d.ProcessImage()
	if err != nil {
		return nil, err
	}

	offset := sourceRegion(img, conf).Min
	for i := range circles {
		circles[i].Center = circles[i].Center.Add(offset)
	}
	for i := range report.Bounds {
		report.Bounds[i] = report.Bounds[i].Add(offset)
	}

	res := &analysis{circles: circles, report: report}
	if wantImage {
		if res.annotated, err = d.Image(); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// sourceRegion is the part of img the detector sees. imaging clips the crop
// to the image bounds and moves the result to the origin.
func sourceRegion(img image.Image, conf *Config) image.Rectangle {
	region := img.Bounds()
	if conf != nil && conf.Crop != nil {
		region = conf.Crop.Intersect(region)
	}
	return region
}

func (s *bubbleService) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	colorImg, err := s.getImage(ctx)
	if err != nil {
		return nil, err
	}
	return s.Detections(ctx, colorImg, extra)
}

func (s *bubbleService) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	res, err := analyze(img, s.conf, s.logger, false)
	if err != nil {
		return nil, err
	}
	return formatDetections(res.circles, res.report.Bounds), nil
}

func (s *bubbleService) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	return nil, errUnimplemented
}

func (s *bubbleService) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return nil, errUnimplemented
}

func (s *bubbleService) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &vision.Properties{
		DetectionSupported:      true,
		ClassificationSupported: false,
		ObjectPCDsSupported:     false,
	}, nil
}

func (s *bubbleService) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (s *bubbleService) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	colorImg, err := s.getImage(ctx)
	if err != nil {
		return viscapture.VisCapture{}, err
	}

	res, err := analyze(colorImg, s.conf, s.logger, opt.ReturnImage)
	if err != nil {
		return viscapture.VisCapture{}, err
	}

	capture := viscapture.VisCapture{Image: res.annotated}
	if opt.ReturnDetections {
		capture.Detections = formatDetections(res.circles, res.report.Bounds)
	}
	return capture, nil
}

func (s *bubbleService) Close(ctx context.Context) error {
	return nil
}

// DoCommand supports {"count_bubbles": true}, which reports the contour count
// and processing time for the current camera frame.
func (s *bubbleService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if run, ok := cmd[countCommand].(bool); !ok || !run {
		return nil, errors.New("called DoCommand but nothing was executed")
	}

	colorImg, err := s.getImage(ctx)
	if err != nil {
		return nil, err
	}
	res, err := analyze(colorImg, s.conf, s.logger, false)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Bubble count: %d, processing time: %.2fms", res.report.Count, res.report.ElapsedMillis())

	return map[string]interface{}{
		"bubble_count":       res.report.Count,
		"circle_count":       len(res.circles),
		"processing_time_ms": res.report.ElapsedMillis(),
	}, nil
}

func (s *bubbleService) getImage(ctx context.Context) (image.Image, error) {
	images, _, err := s.cam.Images(ctx)
	if err != nil {
		return nil, err
	}

	var colorImg image.Image
	for _, img := range images {
		if img.SourceName == "color" {
			colorImg = img.Image
		}
	}
	if colorImg == nil && len(images) > 0 {
		colorImg = images[0].Image
	}
	if colorImg == nil {
		return nil, errors.Errorf("camera %q returned no images", s.conf.CameraName)
	}
	return colorImg, nil
}

func formatDetections(circles []Circle, contours []image.Rectangle) []objdet.Detection {
	detections := make([]objdet.Detection, 0, len(circles)+len(contours))
	for i, c := range circles {
		name := "circle-" + strconv.Itoa(i)
		detections = append(detections, objdet.NewDetection(c.Bounds(), 1, name))
	}
	for i, r := range contours {
		name := "contour-" + strconv.Itoa(i)
		detections = append(detections, objdet.NewDetection(r, 1, name))
	}
	return detections
}
