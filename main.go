package main

import (
	"flag"
	"log"
	"math/rand/v2"
	"os"

	"github.com/b0tShaman/neuro-mlp/config"
	"github.com/b0tShaman/neuro-mlp/data"
	"github.com/b0tShaman/neuro-mlp/ml"
	"github.com/pkg/errors"
)

// -------- MAIN -------- //
func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (defaults are used when empty)")
		epochs     = flag.Int("epochs", 0, "Override training.epochs")
		batchSize  = flag.Int("batch-size", 0, "Override training.batch_size")
		lr         = flag.Float64("lr", 0, "Override training.learning_rate")
		optimizer  = flag.String("optimizer", "", "Override training.optimizer (sgd, momentum, adam)")
		seed       = flag.Uint64("seed", 0, "Override training.seed")
		modelPath  = flag.String("model", "", "Override training.model_path")
		source     = flag.String("data", "", "Override data.source (blobs, idx, csv, images)")
		predict    = flag.String("predict", "", "Image to classify with the trained model")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(config.Overrides{
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		LearningRate: *lr,
		Optimizer:    *optimizer,
		Seed:         *seed,
		ModelPath:    *modelPath,
		DataSource:   *source,
	})
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	if err := run(cfg, *predict, logger); err != nil {
		logger.Fatalf("run failed: %v", err)
	}
}

func run(cfg *config.Config, predictPath string, logger *log.Logger) error {
	rng := rand.New(rand.NewPCG(cfg.Training.Seed, cfg.Training.Seed+1))

	// 1. Load Data
	logger.Printf("Loading dataset (source=%s)...", cfg.Data.Source)
	ds, err := loadDataset(cfg, rng, logger)
	if err != nil {
		return err
	}
	if cfg.Data.Normalize {
		data.MinMaxNormalize(ds.X)
	}
	logger.Printf("Loaded dataset: %d samples, %d input features", ds.Len(), ds.Features())

	trainSet, valSet := ds, (*data.Dataset)(nil)
	if cfg.Data.ValFraction > 0 {
		if trainSet, valSet, err = ds.Split(cfg.Data.ValFraction, rng); err != nil {
			return err
		}
	}

	// 2. Initialize Network
	nw, err := ml.NewClassifier(cfg.Model.InputSize, cfg.Model.OutputSize, cfg.Model.HiddenLayers,
		append(cfg.ModelOptions(), ml.WithRand(rng))...)
	if err != nil {
		return err
	}

	// Auto-Load weights if they exist
	if path := cfg.Training.ModelPath; path != "" {
		if _, err := os.Stat(path); err == nil {
			logger.Printf("Found existing model at %s. Loading weights...", path)
			if err := ml.LoadInto(nw, path); err != nil {
				var mismatch *ml.ShapeMismatchError
				if !errors.As(err, &mismatch) {
					return err
				}
				logger.Printf("Model mismatch (%v). Starting training from scratch.", err)
			}
		}
	}

	// 3. Configure & Train
	trainCfg := cfg.ToTrainingConfig(logger)
	trainLoader := &data.Loader{Dataset: trainSet, BatchSize: trainCfg.BatchSize, Shuffle: cfg.Data.Shuffle, RNG: rng}
	var valLoader ml.BatchSource
	if valSet != nil {
		valLoader = &data.Loader{Dataset: valSet, BatchSize: trainCfg.BatchSize}
	}

	if _, err := ml.Train(nw, trainLoader, valLoader, ml.CrossEntropyLoss{}, ml.NewOptimizer(trainCfg), trainCfg); err != nil {
		return err
	}

	// 4. Reload the checkpoint and check it reproduces the trained model.
	if path := trainCfg.ModelPath; path != "" && valLoader != nil {
		restored, err := ml.Load(path)
		if err != nil {
			return err
		}
		res, err := ml.Evaluate(restored, valLoader, ml.CrossEntropyLoss{})
		if err != nil {
			return err
		}
		logger.Printf("Reloaded %s | Val Loss: %.4f | Val Acc: %.2f%%", path, res.Loss, res.Accuracy*100)
	}

	// Img Inference
	if predictPath != "" {
		inferenceImg(nw, cfg, predictPath, logger)
	}
	return nil
}

func loadDataset(cfg *config.Config, rng *rand.Rand, logger *log.Logger) (*data.Dataset, error) {
	d := cfg.Data
	switch d.Source {
	case config.SourceIDX:
		return data.LoadIDX(d.TrainImages, d.TrainLabels)
	case config.SourceCSV:
		return data.LoadCSV(d.CSVPath)
	case config.SourceImages:
		ds, classes, err := data.LoadImageFolder(d.ImageDir, d.ImageWidth, d.ImageHeight)
		if err != nil {
			return nil, err
		}
		logger.Printf("Image classes: %v", classes)
		return ds, nil
	default:
		return data.Blobs(d.Samples, cfg.Model.InputSize, cfg.Model.OutputSize, d.Spread, rng)
	}
}

func inferenceImg(nw *ml.Model, cfg *config.Config, path string, logger *log.Logger) {
	vec, err := data.ImageToVector(path, cfg.Data.ImageWidth, cfg.Data.ImageHeight)
	if err != nil {
		logger.Printf("Error loading image: %v", err)
		return
	}
	class, prob, err := nw.Predict(vec)
	if err != nil {
		logger.Printf("Prediction failed: %v", err)
		return
	}
	logger.Printf("Prediction for %s: class %d (%.2f%%)", path, class, prob*100)
}
