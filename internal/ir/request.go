package ir

// Header names understood by the pump endpoint.
const (
	HeaderAdminToken       = "x-basehub-token"
	HeaderPumpToken        = "x-basehub-pump-token"
	HeaderAPIVersion       = "x-basehub-api-version"
	HeaderLastResponseHash = "x-basehub-last-response-hash"
)

// FetchRequest is one POST to the pump endpoint.
//
// Bootstrap requests authenticate with AdminToken; live refetches carry the
// rotating PumpToken instead, plus the API version and the last known
// response hash as an optimistic precondition.
type FetchRequest struct {
	Endpoint         string
	Query            QueryDescriptor
	AdminToken       string
	PumpToken        string
	APIVersion       string
	LastResponseHash string
}

// Kind labels the request for logs and metrics.
func (r FetchRequest) Kind() string {
	if r.PumpToken != "" {
		return "refetch"
	}
	return "bootstrap"
}

// Headers returns the protocol headers for the request. Empty values are
// omitted; in particular no hash header is sent when no hash is known yet.
func (r FetchRequest) Headers() map[string]string {
	h := map[string]string{"content-type": "application/json"}
	if r.AdminToken != "" {
		h[HeaderAdminToken] = r.AdminToken
	}
	if r.PumpToken != "" {
		h[HeaderPumpToken] = r.PumpToken
	}
	if r.APIVersion != "" {
		h[HeaderAPIVersion] = r.APIVersion
	}
	if r.LastResponseHash != "" {
		h[HeaderLastResponseHash] = r.LastResponseHash
	}
	return h
}
