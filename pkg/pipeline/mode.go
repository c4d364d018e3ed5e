package pipeline

// Mode selects the packages a stage processes: a batch of candidates, or a
// single package by id.
type Mode struct {
	Limit int
	ID    string
}

// Limit processes up to n candidates.
func Limit(n int) Mode { return Mode{Limit: n} }

// ID processes the package with the given id only.
func ID(id string) Mode { return Mode{ID: id} }

// IsSingle reports whether the mode targets one package.
func (m Mode) IsSingle() bool { return m.ID != "" }
