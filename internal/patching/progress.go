package patching

// ProgressCallback receives per-update progress during a batch.
type ProgressCallback func(event ProgressEvent)

// ProgressEvent describes where a batch is.
type ProgressEvent struct {
	Phase       State    `json:"phase"`
	PackageID   string   `json:"packageId,omitempty"`
	PackageName string   `json:"packageName,omitempty"`
	CurrentItem int      `json:"currentItem"` // which update in the batch (1-based)
	TotalItems  int      `json:"totalItems"`
	Outcome     *Outcome `json:"outcome,omitempty"` // set once the update is finished
}

func (o *Orchestrator) progress(ev ProgressEvent) {
	if o.opts.Progress != nil {
		o.opts.Progress(ev)
	}
}
