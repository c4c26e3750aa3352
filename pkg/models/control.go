package models

// TSRequest is the body shape shared by every control-plane request that
// only needs a freshness timestamp: the HMAC covers the exact JSON bytes,
// so these mirror the client mirror's request structs field-for-field.
type TSRequest struct {
	TS int64 `json:"ts"`
}

// ForceRequest is the body for /start, /stop, and /apply-config.
type ForceRequest struct {
	Force bool  `json:"force"`
	TS    int64 `json:"ts"`
}

// FileListRequest is the body for /file/list.
type FileListRequest struct {
	TS int64 `json:"ts"`
}

// FileDownloadRequest is the body for /file/download.
type FileDownloadRequest struct {
	Name       string `json:"name"`
	Attachment bool   `json:"attachment"`
	TS         int64  `json:"ts"`
}

// UpdateKeyResponse is returned once, for operator capture, after a
// successful /update-key call.
type UpdateKeyResponse struct {
	AccessKey string `json:"accessKey"`
}

// DeviceInfo reports host/process info sourced from gopsutil alongside the
// configured device identifiers; camera enumeration itself stays an
// external collaborator (§4.9).
type DeviceInfo struct {
	Hostname        string   `json:"hostname"`
	OS              string   `json:"os"`
	Arch            string   `json:"arch"`
	CPUCores        int      `json:"cpuCores"`
	CPUPercent      float64  `json:"cpuPercent"`
	MemoryTotal     uint64   `json:"memoryTotalBytes"`
	MemoryUsed      uint64   `json:"memoryUsedBytes"`
	MemoryPercent   float64  `json:"memoryPercent"`
	UptimeSeconds   uint64   `json:"uptimeSeconds"`
	Devices         []string `json:"devices"`
	EncoderRunning  bool     `json:"encoderRunning"`
	EncoderPID      int      `json:"encoderPid,omitempty"`
}

// FileEntry describes one archived file for /file/list.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FileListResponse is the response body for /file/list.
type FileListResponse struct {
	Files []FileEntry `json:"files"`
}
