package domain

import "strings"

type SimulationType string

const (
	SimulationTypePowerflow SimulationType = "Powerflow"
	SimulationTypeOutage    SimulationType = "Outage"
)

type Domain string

const (
	DomainSP  Domain = "SP"
	DomainDP  Domain = "DP"
	DomainEMT Domain = "EMT"
)

type Solver string

const (
	SolverMNA Solver = "MNA"
	SolverDAE Solver = "DAE"
	SolverNRP Solver = "NRP"
)

// Form defaults applied when a field is omitted.
const (
	DefaultDomain    = DomainSP
	DefaultSolver    = SolverNRP
	DefaultTimestep  = 1.0
	DefaultFinalTime = 30.0
)

// NoContent is the reference value meaning "not supplied". The empty string
// means the same thing.
const NoContent = "None"

// IsNoContent reports whether ref is one of the "no content" sentinels.
func IsNoContent(ref string) bool {
	ref = strings.TrimSpace(ref)
	return ref == "" || strings.EqualFold(ref, NoContent)
}

// Simulation is the persisted record of a simulation request. ResultsData is
// only filled on retrieval and is never written back.
type Simulation struct {
	Error          string         `gorethink:"error" json:"error"`
	SimulationID   uint64         `gorethink:"id" json:"simulation_id"`
	SimulationType SimulationType `gorethink:"simulation_type" json:"simulation_type"`
	Domain         Domain         `gorethink:"domain" json:"domain"`
	Solver         Solver         `gorethink:"solver" json:"solver"`
	Timestep       float64        `gorethink:"timestep" json:"timestep"`
	FinalTime      float64        `gorethink:"finaltime" json:"finaltime"`
	ModelID        string         `gorethink:"model_id" json:"model_id"`
	LoadProfileID  string         `gorethink:"load_profile_id" json:"load_profile_id"`
	ResultsID      string         `gorethink:"results_id" json:"results_id"`
	ResultsData    string         `gorethink:"results_data" json:"results_data"`
}

// Summary projects the record for listings.
func (s Simulation) Summary() SimulationSummary {
	return SimulationSummary{
		SimulationID:   s.SimulationID,
		ModelID:        s.ModelID,
		SimulationType: s.SimulationType,
	}
}

type SimulationSummary struct {
	SimulationID   uint64         `json:"simulation_id"`
	ModelID        string         `json:"model_id"`
	SimulationType SimulationType `json:"simulation_type"`
}

// SimulationForm is the validated input of a submission.
type SimulationForm struct {
	SimulationType SimulationType `json:"simulation_type" validate:"required,oneof=Powerflow Outage"`
	ModelID        string         `json:"model_id" validate:"required"`
	LoadProfileID  string         `json:"load_profile_id"`
	Domain         Domain         `json:"domain" validate:"oneof=SP DP EMT"`
	Solver         Solver         `json:"solver" validate:"oneof=MNA DAE NRP"`
	Timestep       float64        `json:"timestep" validate:"gt=0"`
	FinalTime      float64        `json:"finaltime" validate:"gt=0"`
}

// NewSimulationForm returns a form pre-filled with the documented defaults so
// that decoding over it only overrides the fields the caller supplied.
func NewSimulationForm() SimulationForm {
	return SimulationForm{
		Domain:    DefaultDomain,
		Solver:    DefaultSolver,
		Timestep:  DefaultTimestep,
		FinalTime: DefaultFinalTime,
	}
}

// ApplyDefaults fills fields that were explicitly sent empty.
func (f *SimulationForm) ApplyDefaults() {
	if f.Domain == "" {
		f.Domain = DefaultDomain
	}
	if f.Solver == "" {
		f.Solver = DefaultSolver
	}
	if f.Timestep == 0 {
		f.Timestep = DefaultTimestep
	}
	if f.FinalTime == 0 {
		f.FinalTime = DefaultFinalTime
	}
}

// NewSimulation assembles a draft record from the form. The id and the
// results slot must already have been allocated.
func NewSimulation(id uint64, resultsID string, form SimulationForm) Simulation {
	return Simulation{
		Error:          "",
		SimulationID:   id,
		SimulationType: form.SimulationType,
		Domain:         form.Domain,
		Solver:         form.Solver,
		Timestep:       form.Timestep,
		FinalTime:      form.FinalTime,
		ModelID:        form.ModelID,
		LoadProfileID:  form.LoadProfileID,
		ResultsID:      resultsID,
		ResultsData:    "",
	}
}
