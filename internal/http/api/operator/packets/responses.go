package packets

type InvalidateResponse struct {
	BandID      string `json:"bandId"`
	Invalidated bool   `json:"invalidated"`
}

type QueueResponse struct {
	Depth     int64 `json:"depth"`
	HighWater int64 `json:"highWater"`
	AboveHigh bool  `json:"aboveHighWater"`
}
