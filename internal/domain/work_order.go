package domain

const URLListType = "url-list"

// ExecutionProfile is the fixed part of every work order.
type ExecutionProfile struct {
	Executable string  `mapstructure:"executable"`
	Name       string  `mapstructure:"execution_name"`
	Timestep   float64 `mapstructure:"execution_timestep"`
	Duration   float64 `mapstructure:"execution_duration"`
}

func DefaultExecutionProfile() ExecutionProfile {
	return ExecutionProfile{
		Executable: "SLEW_Shmem_CIGRE_MV_PowerFlow",
		Name:       "SLEW_Shmem_CIGRE_MV_PowerFlow",
		Timestep:   0.1,
		Duration:   20,
	}
}

// WorkOrder is the payload consumed by the compute backend.
type WorkOrder struct {
	Model      ModelSource         `json:"model"`
	Parameters WorkOrderParameters `json:"parameters"`
}

type ModelSource struct {
	Type string   `json:"type"`
	URL  []string `json:"url"`
}

type WorkOrderParameters struct {
	ResultsFile    string  `json:"results_file"`
	LoadProfileURL string  `json:"load_profile_url,omitempty"`
	Executable     string  `json:"executable"`
	Name           string  `json:"name"`
	Timestep       float64 `json:"timestep"`
	Duration       float64 `json:"duration"`
}

// NewWorkOrder builds the backend payload from a persisted simulation and its
// resolved input locations. profileURL is empty when no load profile was given.
func NewWorkOrder(sim Simulation, modelURL, profileURL string, profile ExecutionProfile) WorkOrder {
	return WorkOrder{
		Model: ModelSource{
			Type: URLListType,
			URL:  []string{modelURL},
		},
		Parameters: WorkOrderParameters{
			ResultsFile:    sim.ResultsID,
			LoadProfileURL: profileURL,
			Executable:     profile.Executable,
			Name:           profile.Name,
			Timestep:       profile.Timestep,
			Duration:       profile.Duration,
		},
	}
}
