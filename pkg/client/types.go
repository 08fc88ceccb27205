package client

// ServerSummary is one entry of the aggregate server list.
type ServerSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ResourceUsage is one usage sample; Time is epoch milliseconds.
type ResourceUsage struct {
	Time   int64   `json:"time,omitempty"`
	CPU    float64 `json:"cpu"`
	Memory uint64  `json:"memory"`
}

// ServerData is the full state of one server.
type ServerData struct {
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	Properties map[string]string `json:"properties"`
	Usage      []ResourceUsage   `json:"usage"`
}

type Runtime struct {
	Name    string `json:"name"`
	Home    string `json:"home"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
	Source  string `json:"source"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Module    string `json:"module,omitempty"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// MessageRequest is the body of POST /messages.
type MessageRequest struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
