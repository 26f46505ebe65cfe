package retry

import "triggerflow/internal/config"

// Registered policy names.
const (
	DataRetrievalPolicy  = "DataRetrievalRetryPolicy"
	PublishMessagePolicy = "PublishMessageRetryPolicy"
)

// Registry is the read-only set of policies built at startup.
// Nothing mutates it after NewRegistry returns, so it needs no locking.
type Registry struct {
	policies map[string]*Policy
}

func NewRegistry(cfg config.Retry) *Registry {
	return &Registry{policies: map[string]*Policy{
		DataRetrievalPolicy:  NewPolicy(DataRetrievalPolicy, cfg.DataRetrieval),
		PublishMessagePolicy: NewPolicy(PublishMessagePolicy, cfg.Publish),
	}}
}

func (r *Registry) Get(name string) (*Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// Retrieval is the policy for paginated data source calls.
func (r *Registry) Retrieval() *Policy { return r.policies[DataRetrievalPolicy] }

// Publish is the policy for trigger message publication.
func (r *Registry) Publish() *Policy { return r.policies[PublishMessagePolicy] }
