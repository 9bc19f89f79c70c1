package trainer

import "context"

// Dataset is a feature matrix with aligned labels.
type Dataset struct {
	Features [][]float64 `json:"features"`
	Labels   []int       `json:"labels"`
}

// Config carries training hyperparameters through to the trainer. The time
// budget is a policy hint for the trainer, not enforced here.
type Config struct {
	Epochs                 int `json:"epochs"`
	BatchSize              int `json:"batch_size"`
	EarlyStoppingPatience  int `json:"early_stopping_patience"`
	MaxTrainingTimeSeconds int `json:"max_training_time_seconds"`
}

// Result is a trained model handle plus its measured accuracies.
type Result struct {
	Handle        string  `json:"handle"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValAccuracy   float64 `json:"val_accuracy"`
}

// Trainer is the external training capability. Its internals (architecture,
// optimizer, quantization) live outside this system.
type Trainer interface {
	// Train fits a model on the training split and evaluates it on both
	// splits.
	Train(ctx context.Context, train, val Dataset, cfg Config) (*Result, error)
	// Save exports the trained model and returns the artifact location.
	Save(ctx context.Context, handle string) (string, error)
}
