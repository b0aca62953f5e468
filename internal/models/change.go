package models

// ChangeRecord captures one local mutation. Timestamps are epoch milliseconds.
type ChangeRecord struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"taskId"`
	Type       ChangeType `json:"changeType"`
	Payload    *Task      `json:"payload,omitempty"`
	Timestamp  int64      `json:"timestamp"`
	Synced     bool       `json:"synced"`
	RetryCount int        `json:"retryCount"`
}

// QueueItem is a ChangeRecord waiting in the offline queue.
type QueueItem struct {
	ChangeRecord
	QueuedAt    int64   `json:"queuedAt"`
	LastAttempt *int64  `json:"lastAttempt"`
	NextAttempt int64   `json:"nextAttempt"`
	LastError   *string `json:"lastError"`
}

// Observation is the latest known content of a task on one side.
type Observation struct {
	TaskID      string `json:"taskId"`
	ContentHash uint64 `json:"contentHash"`
	Timestamp   int64  `json:"timestamp"`
	Raw         *Task  `json:"rawPayload,omitempty"`
}

// ConflictRecord describes a task that changed on both sides since its last sync.
type ConflictRecord struct {
	TaskID          string `json:"taskId"`
	Local           *Task  `json:"localData"`
	Remote          *Task  `json:"remoteData"`
	LocalTimestamp  int64  `json:"localTimestamp"`
	RemoteTimestamp int64  `json:"remoteTimestamp"`
}

// QueueStats summarizes the offline queue.
type QueueStats struct {
	Total      int    `json:"total"`
	Ready      int    `json:"ready"`
	Pending    int    `json:"pending"`
	Failed     int    `json:"failed"`
	OldestItem *int64 `json:"oldestItem"`
}

// ConnectivityStatus is the monitor's view of the remote service.
type ConnectivityStatus struct {
	IsOnline                 bool  `json:"isOnline"`
	LastSuccessfulConnection int64 `json:"lastSuccessfulConnection"`
}
