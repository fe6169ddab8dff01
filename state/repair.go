package state

// Repair applies in-place auto-repair to a document that parsed but fails
// semantic validation. It returns the list of repaired fields; each repair
// is also recorded in the action history with action "auto-repaired".
func Repair(doc *Document) []string {
	var repaired []string

	step := &doc.Orchestration.Step

	if !step.Current.IsValid() {
		step.Current = StepDesign
		repaired = append(repaired, "step.current")
	}
	if step.indexWasString || step.Index != step.Current.Index() {
		step.Index = step.Current.Index()
		step.indexWasString = false
		repaired = append(repaired, "step.index")
	}
	if !step.Status.IsValid() {
		step.Status = StepNotStarted
		repaired = append(repaired, "step.status")
	}
	if !doc.Orchestration.Phase.Status.IsValid() {
		doc.Orchestration.Phase.Status = StepNotStarted
		repaired = append(repaired, "phase.status")
	}
	if doc.SchemaVersion != SchemaVersion {
		doc.SchemaVersion = SchemaVersion
		repaired = append(repaired, "schema_version")
	}

	for _, field := range repaired {
		doc.AppendHistory("auto-repaired", field)
	}
	return repaired
}
