package db

// Stats aggregates stored predictions.
type Stats struct {
	Total         int64             `json:"total"`
	Attacks       int64             `json:"attacks"`
	Normal        int64             `json:"normal"`
	AnomalyRate   float64           `json:"anomaly_rate"`
	AvgLatencyMs  float64           `json:"avg_latency_ms"`
	AttackTypes   []AttackTypeCount `json:"attack_types"`
	WindowSeconds int64             `json:"window_seconds,omitempty"`
}

// AttackTypeCount is the number of attack predictions of one type.
type AttackTypeCount struct {
	AttackType     string  `json:"attack_type"`
	Count          int64   `json:"count"`
	AvgProbability float64 `json:"avg_attack_probability"`
}
