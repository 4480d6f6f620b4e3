package challenge

import "time"

// Record is the challenge state kept in a client's session. It is stored
// opaquely by the session store and keyed by namespace inside.
type Record struct {
	Challenges map[string]Challenge `json:"challenges,omitempty"`
}

// Challenge is one live, unconsumed challenge. Its presence in a Record is
// the single-use marker.
type Challenge struct {
	Timestamp       int64     `json:"timestamp"`
	Secret          string    `json:"secret"`
	PageRequestTime time.Time `json:"page_request_time"`
}

// Get returns the live challenge for ns, if any.
func (r *Record) Get(ns string) (Challenge, bool) {
	if r == nil || r.Challenges == nil {
		return Challenge{}, false
	}
	ch, ok := r.Challenges[ns]
	return ch, ok
}

func (r *Record) set(ns string, ch Challenge) {
	if r.Challenges == nil {
		r.Challenges = make(map[string]Challenge)
	}
	r.Challenges[ns] = ch
}

func (r *Record) clear(ns string) {
	delete(r.Challenges, ns)
}

// Len returns the number of live challenges.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Challenges)
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r.Challenges == nil {
		return Record{}
	}
	cp := make(map[string]Challenge, len(r.Challenges))
	for k, v := range r.Challenges {
		cp[k] = v
	}
	return Record{Challenges: cp}
}
