package models

// Warning is a non-fatal condition recorded during a generation run.
// Warnings are collected and reported together at the end of the run
// rather than only being logged inline.
type Warning struct {
	// Stage identifies the pipeline stage that raised the warning
	Stage string

	// Message is the human-readable description of the condition
	Message string
}

// Pipeline stage names used when recording warnings.
const (
	StageDecode   = "decode"
	StageStack    = "stack"
	StageRemoval  = "star-removal"
	StageMetadata = "metadata"
	StageEncode   = "encode"
)

// FrameInfo describes one input capture as seen by the pipeline,
// independent of its pixel payload.
type FrameInfo struct {
	// Path is the source file the frame was decoded from
	Path string

	// Index is the position of the frame in the sorted input batch
	Index int

	// Excluded is true when the frame was dropped from the batch
	// (decode failure outside strict mode)
	Excluded bool
}
