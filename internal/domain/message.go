package domain

// TaskMessage is the JSON body published to the task queue
type TaskMessage struct {
	Type     string          `json:"type"`
	JobID    string          `json:"job_id"`
	Minutes  *MinutesRequest `json:"minutes,omitempty"`
	Artifact ArtifactKind    `json:"artifact,omitempty"`

	DeliveryTag uint64 `json:"-"`
}

// MinutesRequest carries the metadata used to render meeting minutes
type MinutesRequest struct {
	MeetingName string `json:"meeting_name"`
	Date        string `json:"date"`
	TimeRange   string `json:"time_range"`
	Tone        string `json:"tone"`
}
