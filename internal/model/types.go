package model

// Unknown is the label reported when a prediction is not confident enough.
const Unknown = "UNKNOWN"

// LabelScore is one entry of a ranked prediction; Confidence is 0-100.
type LabelScore struct {
	Label      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type PredictionResult struct {
	Label      string       `json:"class"`
	Confidence float64      `json:"confidence"`
	Top3       []LabelScore `json:"top3"`
	// Top5 is the wider ranking, min(5, classes) entries.
	Top5  []LabelScore `json:"top5"`
	Valid bool         `json:"valid"`
	// RawLabel is the top-1 label before the confidence gate.
	RawLabel      string `json:"raw_class"`
	Distributions int    `json:"distributions"`
}

type EnsembleResult struct {
	PredictionResult
	ImageCount int                 `json:"image_count"`
	PerImage   []*PredictionResult `json:"per_image"`
	ValidCount int                 `json:"valid_count"`
	Quorum     bool                `json:"quorum"`
}
