package metadata

/** @brief Describes a job to be run by the job system. */
type JobTask struct {
	/** @brief Shows up in logs when the job fails. */
	Name string
	/** @brief Invoked on a worker goroutine. Required. */
	Run func() error
	/** @brief Invoked after Run returned nil. Optional. */
	OnComplete func()
	/** @brief Invoked with the error Run returned. Optional. */
	OnFailure func(err error)
}
