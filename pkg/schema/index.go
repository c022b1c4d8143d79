package schema

// BranchRef locates a step inside a parallel branch.
type BranchRef struct {
	Parallel string // owning parallel step
	Branch   string // branch name
	JoinOn   string // join step the branch converges on
}

// StepIndex is a lookup table over every step of a definition, including
// steps nested in parallel branches.
type StepIndex struct {
	steps     map[string]*StepDefinition
	branchOf  map[string]BranchRef
	joinOwner map[string][]string // join step -> parallel steps referencing it
	order     []string
}

// Index builds a StepIndex. The first occurrence of a duplicated name wins;
// duplicates are reported by the validator.
func (d *WorkflowDefinition) Index() *StepIndex {
	idx := &StepIndex{
		steps:     make(map[string]*StepDefinition),
		branchOf:  make(map[string]BranchRef),
		joinOwner: make(map[string][]string),
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		idx.add(step)
		if step.Type != StepTypeParallel {
			continue
		}
		if step.JoinOn != "" {
			idx.joinOwner[step.JoinOn] = append(idx.joinOwner[step.JoinOn], step.Name)
		}
		for b := range step.Branches {
			br := &step.Branches[b]
			for s := range br.Steps {
				inner := &br.Steps[s]
				if idx.add(inner) {
					idx.branchOf[inner.Name] = BranchRef{Parallel: step.Name, Branch: br.Name, JoinOn: step.JoinOn}
				}
			}
		}
	}
	return idx
}

func (idx *StepIndex) add(step *StepDefinition) bool {
	if _, dup := idx.steps[step.Name]; dup {
		return false
	}
	idx.steps[step.Name] = step
	idx.order = append(idx.order, step.Name)
	return true
}

// Step returns the named step.
func (idx *StepIndex) Step(name string) (*StepDefinition, bool) {
	s, ok := idx.steps[name]
	return s, ok
}

// BranchOf reports the branch containing the named step.
func (idx *StepIndex) BranchOf(name string) (BranchRef, bool) {
	ref, ok := idx.branchOf[name]
	return ref, ok
}

// JoinOwners returns the parallel steps whose join_on names join.
func (idx *StepIndex) JoinOwners(join string) []string {
	return idx.joinOwner[join]
}

// Names returns every step name in declaration order.
func (idx *StepIndex) Names() []string {
	return idx.order
}
