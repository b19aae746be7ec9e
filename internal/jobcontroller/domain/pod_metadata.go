package domain

const (
	// JobIdLabel is set on every pod template we submit so pods can be
	// correlated back to their job without parsing generated names.
	JobIdLabel = "hepbatch_job_id"
)
