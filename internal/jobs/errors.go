package jobs

import "errors"

// Ошибки создания jobs.
var (
	// ErrPipelineNotFound — pipeline не существует.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrFlowNotFound — flow не существует.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowPipelineMismatch — flow ссылается на другой pipeline.
	ErrFlowPipelineMismatch = errors.New("flow does not belong to pipeline")

	// ErrEmptyPipeline — у pipeline нет шагов.
	ErrEmptyPipeline = errors.New("pipeline has no steps")

	// ErrFlowBusy — у flow уже есть pending или running job.
	ErrFlowBusy = errors.New("flow already has an active job")

	// ErrJobNotFinished — повторить можно только завершённый job.
	ErrJobNotFinished = errors.New("job is not finished")

	// ErrJobNotFound — job не существует.
	ErrJobNotFound = errors.New("job not found")
)
