package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ObserverName    string `json:"observer_name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ObserverID      string      `json:"observer_id"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz int     `json:"tick_rate_hz"`
	RegionSize int     `json:"region_size"`
	VoxelSize  float64 `json:"voxel_size"`
	LoadRadius int     `json:"load_radius"`
	Seed       int64   `json:"seed"`
}

// POS (client -> server): observer position update.
type PosMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float64 `json:"pos"`
}

// EDIT (client -> server): spherical density edit request.
type EditMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float64 `json:"pos"`
	Radius          float64    `json:"radius"`
	Mode            string     `json:"mode"` // "ADD" or "REMOVE"
}

// REGION (server -> client): region lifecycle notification.
type RegionMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Coord           [3]int `json:"coord"`
	Status          string `json:"status"`
	Tick            uint64 `json:"tick"`
}

// ERR (server -> client)
type ErrMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
