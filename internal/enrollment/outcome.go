package enrollment

// UploadOutcome records what happened to one image of a batch.
type UploadOutcome struct {
	Slot             string `json:"slot"`
	Success          bool   `json:"success"`
	StorageReference string `json:"storage_path,omitempty"`
	Error            string `json:"error,omitempty"`
}

// BatchResult aggregates the outcomes of a batch upload.
type BatchResult struct {
	Outcomes      []UploadOutcome `json:"details"`
	UploadedCount int             `json:"uploaded"`
	Total         int             `json:"total"`
	AllSucceeded  bool            `json:"all_succeeded"`
}

// Aggregate counts successes. Outcomes are kept in the given order.
func Aggregate(outcomes []UploadOutcome) BatchResult {
	res := BatchResult{Outcomes: outcomes, Total: len(outcomes)}
	for _, o := range outcomes {
		if o.Success {
			res.UploadedCount++
		}
	}
	res.AllSucceeded = res.Total > 0 && res.UploadedCount == res.Total
	return res
}

// Succeeded is the batch policy: any stored image makes the batch a success.
func (b BatchResult) Succeeded() bool {
	return b.UploadedCount > 0
}

// Failures returns the failed outcomes for display.
func (b BatchResult) Failures() []UploadOutcome {
	var out []UploadOutcome
	for _, o := range b.Outcomes {
		if !o.Success {
			out = append(out, o)
		}
	}
	return out
}

// Paths returns the storage references of successful uploads.
func (b BatchResult) Paths() []string {
	var out []string
	for _, o := range b.Outcomes {
		if o.Success && o.StorageReference != "" {
			out = append(out, o.StorageReference)
		}
	}
	return out
}
