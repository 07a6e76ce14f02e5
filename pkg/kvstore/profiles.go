package kvstore

import "sort"

// ProfileSet is an immutable lookup of configured profiles.
type ProfileSet struct {
	byID map[string]Profile
}

// NewProfileSet indexes profiles by ID. Later duplicates win.
func NewProfileSet(profiles []Profile) *ProfileSet {
	s := &ProfileSet{byID: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		s.byID[p.ID] = p
	}
	return s
}

// Profile returns the profile with the given ID.
func (s *ProfileSet) Profile(id string) (Profile, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// List returns all profiles sorted by ID.
func (s *ProfileSet) List() []Profile {
	out := make([]Profile, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
