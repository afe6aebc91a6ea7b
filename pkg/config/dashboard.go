package config

// DashboardConfig holds runtime configuration for the read-only status
// page process (cmd/dashboard).
type DashboardConfig struct {
	Addr        string
	APIBaseURL  string
	WSBaseURL   string
}

// LoadDashboardConfig constructs a DashboardConfig from the environment.
func LoadDashboardConfig() DashboardConfig {
	return DashboardConfig{
		Addr:       ":" + GetString("DASHBOARD_PORT", "4100"),
		APIBaseURL: GetString("DASHBOARD_API_BASE_URL", "http://localhost:3000"),
		WSBaseURL:  GetString("DASHBOARD_WS_BASE_URL", "ws://localhost:3000"),
	}
}
