// File: internal/config/humanoid_config.go
// HumanoidConfig tunes the pointer paths the browser backend generates when it
// moves the mouse. Movement follows a cubic Bezier curve whose duration is
// derived from Fitts's law and whose shape is bent by a random control offset.
package config

import "github.com/spf13/viper"

// HumanoidConfig holds the movement model parameters.
type HumanoidConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// FittsA and FittsB are the intercept and slope, in milliseconds, of the
	// movement time model MT = a + b * log2(1 + d/w).
	FittsA float64 `mapstructure:"fitts_a" yaml:"fitts_a"`
	FittsB float64 `mapstructure:"fitts_b" yaml:"fitts_b"`
	// Curvature scales how far control points leave the straight line, as a
	// fraction of the distance travelled.
	Curvature float64 `mapstructure:"curvature" yaml:"curvature"`
	// StepsPerSecond is the rate of intermediate mouse move events.
	StepsPerSecond int `mapstructure:"steps_per_second" yaml:"steps_per_second"`
	// Seed fixes the random source. Zero seeds from the clock.
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

func setHumanoidDefaults(v *viper.Viper) {
	v.SetDefault("browser.humanoid.enabled", true)
	v.SetDefault("browser.humanoid.fitts_a", 100.0)
	v.SetDefault("browser.humanoid.fitts_b", 120.0)
	v.SetDefault("browser.humanoid.curvature", 0.15)
	v.SetDefault("browser.humanoid.steps_per_second", 60)
	v.SetDefault("browser.humanoid.seed", 0)
}
