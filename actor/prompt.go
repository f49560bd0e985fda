package actor

import "strings"

// sections is an insertion-ordered set of named system prompt sections.
type sections struct {
	keys   []string
	values map[string]string
}

func (s *sections) set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

func (s *sections) remove(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

func (s *sections) clear() {
	s.keys = nil
	s.values = nil
}

// systemPrompt renders the fixed sections followed by the supplemental ones.
func (a *Actor) systemPrompt() string {
	var sb strings.Builder
	write := func(title, body string) {
		if body == "" {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## ")
		sb.WriteString(title)
		sb.WriteString("\n")
		sb.WriteString(body)
	}

	write("Role", a.cfg.Role)
	write("Constraints", a.cfg.Constraint)
	write("Output Format", a.cfg.OutputFormat)
	write("Knowledge", a.cfg.Knowledge)
	for _, k := range a.sections.keys {
		write(k, a.sections.values[k])
	}
	return sb.String()
}
