package main

import (
	"errors"
	"fmt"
	"image/png"
	"os"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/pointprompt/segbridge"
	"github.com/pointprompt/segbridge/options"
	"github.com/pointprompt/segbridge/util/fileutil"
)

var modelPath string
var imagePath string
var outputPath string
var pointsArg string
var labelsArg string
var sharedLibraryPath string
var useORT bool
var modelsDir string

type segmentOutput struct {
	Mask       string  `json:"mask"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float32 `json:"confidence"`
	Duration   float64 `json:"durationSeconds"`
}

var segmentCommand = &cli.Command{
	Name:  "segment",
	Usage: "Segment an image with foreground/background point prompts",
	Description: `Segment runs a point-prompted segmentation model on one image and writes the
resulting mask as a grayscale png. Points are normalized x,y pairs in [0,1]
separated by semicolons, labels are a parallel semicolon-separated list of
1 (foreground) or 0 (background).`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name or path to the model directory",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "image",
			Usage:       "Path to the input image",
			Aliases:     []string{"i"},
			Destination: &imagePath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "points",
			Usage:       "Normalized point prompts, e.g. \"0.5,0.5;0.25,0.75\"",
			Aliases:     []string{"p"},
			Destination: &pointsArg,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "labels",
			Usage:       "Point labels parallel to --points, e.g. \"1;0\"",
			Aliases:     []string{"l"},
			Destination: &labelsArg,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path for the mask png",
			Aliases:     []string{"o"},
			Destination: &outputPath,
			Value:       "mask.png",
		},
		&cli.BoolFlag{
			Name:        "ort",
			Usage:       "Use the onnxruntime backend instead of the pure Go backend",
			Destination: &useORT,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/segbridge/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		points, labels, err := parsePrompts(pointsArg, labelsArg)
		if err != nil {
			return err
		}

		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		resolvedModelPath, err := resolveModelPath(modelPath)
		if err != nil {
			return err
		}

		pipeline, err := session.NewSegmentationPipeline(segbridge.SegmentationConfig{
			ModelPath: resolvedModelPath,
			Name:      "cliPipeline",
		})
		if err != nil {
			return err
		}

		result, err := pipeline.RunFromPath(imagePath, points, labels)
		if err != nil {
			return err
		}

		writer, err := fileutil.NewFileWriter(outputPath, "image/png")
		if err != nil {
			return err
		}
		if err := errors.Join(png.Encode(writer, result.Mask), writer.Close()); err != nil {
			return err
		}

		bounds := result.Mask.Bounds()
		encoded, err := jsoniter.Marshal(segmentOutput{
			Mask:       outputPath,
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
			Confidence: result.Confidence,
			Duration:   result.Duration.Seconds(),
		})
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		if isatty.IsTerminal(os.Stdout.Fd()) {
			fmt.Printf("mask written to %s\n", outputPath)
		}
		return nil
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download a segmentation model from the HuggingFace hub",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name, e.g. org/segmentation-model",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/segbridge/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
	},
	Action: func(ctx *cli.Context) error {
		dir, err := resolveModelsDir()
		if err != nil {
			return err
		}
		if err := fileutil.CreateDir(dir); err != nil {
			return err
		}
		downloadOptions := segbridge.NewDownloadOptions()
		downloadOptions.Verbose = isatty.IsTerminal(os.Stdout.Fd())
		downloaded, err := segbridge.DownloadModel(modelPath, dir, downloadOptions)
		if err != nil {
			return err
		}
		fmt.Println(downloaded)
		return nil
	},
}

func newSession() (*segbridge.Session, error) {
	if useORT || sharedLibraryPath != "" {
		var opts []options.WithOption
		if sharedLibraryPath != "" {
			opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
		}
		return segbridge.NewORTSession(opts...)
	}
	return segbridge.NewGoSession()
}

// resolveModelPath resolves --model: an existing path wins, then a previously
// downloaded model of that name, then a fresh hub download.
func resolveModelPath(model string) (string, error) {
	exists, err := fileutil.FileExists(model)
	if err != nil {
		return "", err
	}
	if exists {
		return model, nil
	}

	dir, err := resolveModelsDir()
	if err != nil {
		return "", err
	}
	downloadedName := strings.Replace(model, "/", "_", -1)
	candidate := fileutil.PathJoinSafe(dir, downloadedName)
	exists, err = fileutil.FileExists(candidate)
	if err != nil {
		return "", err
	}
	if exists {
		return candidate, nil
	}

	if strings.Contains(model, ":") {
		return "", fmt.Errorf("filters with : are currently not supported")
	}
	if err := fileutil.CreateDir(dir); err != nil {
		return "", err
	}
	return segbridge.DownloadModel(model, dir, segbridge.NewDownloadOptions())
}

func resolveModelsDir() (string, error) {
	if modelsDir != "" {
		return modelsDir, nil
	}
	userDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return fileutil.PathJoinSafe(userDir, "segbridge", "models"), nil
}

func parsePrompts(pointsValue, labelsValue string) ([][2]float32, []int64, error) {
	var points [][2]float32
	for _, pair := range strings.Split(pointsValue, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		xy := strings.Split(pair, ",")
		if len(xy) != 2 {
			return nil, nil, fmt.Errorf("point %q is not an x,y pair", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xy[0]), 32)
		if err != nil {
			return nil, nil, fmt.Errorf("point %q: %w", pair, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(xy[1]), 32)
		if err != nil {
			return nil, nil, fmt.Errorf("point %q: %w", pair, err)
		}
		points = append(points, [2]float32{float32(x), float32(y)})
	}

	var labels []int64
	for _, label := range strings.Split(labelsValue, ";") {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		v, err := strconv.ParseInt(label, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("label %q: %w", label, err)
		}
		labels = append(labels, v)
	}
	return points, labels, nil
}

func main() {
	app := &cli.App{
		Name:     "segbridge",
		Usage:    "point-prompted image segmentation",
		Commands: []*cli.Command{segmentCommand, downloadCommand},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
