package pipeline

// State is the stage a pipeline run is in. A run moves through the states in declaration order, and from any
// state but Finished into Error.
type State int

const (
	Initializing State = iota
	CleaningWorkspace
	FetchingSource
	ValidatingSpec
	BuildingImage
	RunningContainer
	DispatchingLoad
	CollectingResults
	StoringBenchmarks
	KillingContainer
	CleaningUp
	Finished
	Error
)

var stateNames = map[State]string{
	Initializing:      "initializing",
	CleaningWorkspace: "cleaning_workspace",
	FetchingSource:    "fetching_source",
	ValidatingSpec:    "validating_spec",
	BuildingImage:     "building_image",
	RunningContainer:  "running_container",
	DispatchingLoad:   "dispatching_load",
	CollectingResults: "collecting_results",
	StoringBenchmarks: "storing_benchmarks",
	KillingContainer:  "killing_container",
	CleaningUp:        "cleaning_up",
	Finished:          "finished",
	Error:             "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// TotalCheckpoints is the number of progress checkpoints reported by a successful run.
const TotalCheckpoints = 9

const (
	MessageCleaningUpWorkspace = "Cleaning up workspace"
	MessageBuildingContainer   = "Building container"
	MessageRunningContainer    = "Running container"
	MessageSignalingWorkers    = "Signaling load workers"
	MessageCollectingData      = "Collecting data"
	MessageStoringStats        = "Storing stats"
	MessageKillingContainer    = "Killing container"
	MessageCleaningWorkspace   = "Cleaning workspace"
)

// Percentages stored with the coarse build statuses.
const (
	PercentPending   = 0
	PercentBuilding  = 20
	PercentAttacking = 40
)
