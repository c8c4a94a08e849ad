package types

// DataPoint is a setting value bound to the Home Assistant entity it is
// refreshed from. EntityID may be empty for values managed locally.
type DataPoint struct {
	Value    float64 `yaml:"value,omitempty" json:"value"`
	EntityID string  `yaml:"entityId,omitempty" json:"entityId,omitempty"`
}

type Settings struct {
	NormalTemperature DataPoint `yaml:"normalTemperature" json:"normalTemperature"`
	EcoTemperature    DataPoint `yaml:"ecoTemperature" json:"ecoTemperature"`
	MaxTemperature    DataPoint `yaml:"maxTemperature" json:"maxTemperature"`
	Hysteresis        DataPoint `yaml:"hysteresis" json:"hysteresis"`
}

// BatteryGate pauses heating when the battery state of charge drops below
// StopThreshold and allows it again once it climbs above ResumeThreshold.
type BatteryGate struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	StopThreshold   float64 `yaml:"stopThreshold" json:"stopThreshold"`
	ResumeThreshold float64 `yaml:"resumeThreshold" json:"resumeThreshold"`
}

// Schedule configures optimised mode. With Solar set the target follows the
// sun elevation against SunAngle; otherwise the four clock times select
// between the normal and eco set points. Times are "HH:MM" or "HH:MM:SS".
type Schedule struct {
	Solar       bool    `yaml:"solar" json:"solar"`
	SunAngle    float64 `yaml:"sunAngle" json:"sunAngle"`
	NormalStart string  `yaml:"normalStart,omitempty" json:"normalStart,omitempty"`
	NormalEnd   string  `yaml:"normalEnd,omitempty" json:"normalEnd,omitempty"`
	EcoStart    string  `yaml:"ecoStart,omitempty" json:"ecoStart,omitempty"`
	EcoEnd      string  `yaml:"ecoEnd,omitempty" json:"ecoEnd,omitempty"`
}
