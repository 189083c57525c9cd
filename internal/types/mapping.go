package types

// IdentityMapping correlates an external id with an internal id within one
// import job and step.
type IdentityMapping struct {
	JobID      string `json:"job_id"`
	StepName   string `json:"step_name"`
	ExternalID string `json:"external_id"`
	InternalID string `json:"internal_id"`
}

// MappingPair is one externalId to internalId correlation.
type MappingPair struct {
	ExternalID string `json:"external_id"`
	InternalID string `json:"internal_id"`
}
