package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxDecodeDepth bounds how many times a JSON string may wrap another JSON string.
const maxDecodeDepth = 3

// AssignmentMap is the normalized zone membership of a session, keyed 1..ZoneCount.
type AssignmentMap struct {
	Zones map[int]*Zone
}

// NewAssignmentMap returns an empty map.
func NewAssignmentMap() AssignmentMap {
	return AssignmentMap{Zones: make(map[int]*Zone)}
}

// ParseAssignments normalizes every assignment payload shape seen in the wild:
// a JSON string (possibly double encoded), bytes, a decoded map, zones either
// at top level or under "zones", zone values as objects or bare patient arrays.
// It never fails; unusable input yields an empty map.
func ParseAssignments(raw any) AssignmentMap {
	switch v := raw.(type) {
	case AssignmentMap:
		return v.Clone()
	case *AssignmentMap:
		if v == nil {
			return NewAssignmentMap()
		}
		return v.Clone()
	}

	m := NewAssignmentMap()
	root, ok := decodeValue(raw, 0)
	if !ok {
		return m
	}

	if obj, isObj := root.(map[string]any); isObj {
		if wrapped, has := obj["zones"]; has {
			if inner, ok := decodeValue(wrapped, 0); ok {
				root = inner
			}
		}
	}

	entries := zoneEntries(root)
	keys := make([]int, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	// FUNCTIONAL: a patient belongs to at most one zone; lowest zone key wins
	seen := make(map[string]bool)
	for _, key := range keys {
		zone := parseZone(key, entries[key])
		kept := zone.Patients[:0]
		for _, p := range zone.Patients {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			kept = append(kept, p)
		}
		zone.Patients = kept
		m.Zones[key] = zone
	}
	return m
}

// Zone returns zone n or nil.
func (m AssignmentMap) Zone(n int) *Zone {
	if m.Zones == nil {
		return nil
	}
	return m.Zones[n]
}

// ZoneKeys returns the populated zone keys in ascending order.
func (m AssignmentMap) ZoneKeys() []int {
	keys := make([]int, 0, len(m.Zones))
	for k := range m.Zones {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Len is the number of zones present.
func (m AssignmentMap) Len() int {
	return len(m.Zones)
}

// AllPatientIDs is the union of patient ids across zones, in zone order.
func (m AssignmentMap) AllPatientIDs() []string {
	ids := make([]string, 0)
	for _, k := range m.ZoneKeys() {
		ids = append(ids, m.Zones[k].PatientIDs()...)
	}
	return ids
}

// ZoneOf returns the zone key holding patientID.
func (m AssignmentMap) ZoneOf(patientID string) (int, bool) {
	for _, k := range m.ZoneKeys() {
		for _, p := range m.Zones[k].Patients {
			if p.ID == patientID {
				return k, true
			}
		}
	}
	return 0, false
}

// ZoneForUser returns the zone whose assigned staff member is userID.
func (m AssignmentMap) ZoneForUser(userID string) (int, bool) {
	if userID == "" {
		return 0, false
	}
	for _, k := range m.ZoneKeys() {
		if u := m.Zones[k].AssignedUser; u != nil && u.ID == userID {
			return k, true
		}
	}
	return 0, false
}

// FilterToRoster drops patients that are not on the ward roster.
func (m AssignmentMap) FilterToRoster(ward *Ward) AssignmentMap {
	out := m.Clone()
	if ward == nil {
		return out
	}
	for _, zone := range out.Zones {
		kept := zone.Patients[:0]
		for _, p := range zone.Patients {
			if ward.HasPatient(p.ID) {
				kept = append(kept, p)
			}
		}
		zone.Patients = kept
	}
	return out
}

// Clone deep-copies the map.
func (m AssignmentMap) Clone() AssignmentMap {
	out := NewAssignmentMap()
	for k, z := range m.Zones {
		if z == nil {
			continue
		}
		cp := &Zone{Key: z.Key}
		if z.AssignedUser != nil {
			u := *z.AssignedUser
			cp.AssignedUser = &u
		}
		cp.Patients = append([]PatientRef{}, z.Patients...)
		out.Zones[k] = cp
	}
	return out
}

// MarshalJSON writes {"zones": {"zone1": {...}}}.
func (m AssignmentMap) MarshalJSON() ([]byte, error) {
	zones := make(map[string]*Zone, len(m.Zones))
	for k, z := range m.Zones {
		zones[fmt.Sprintf("zone%d", k)] = z
	}
	return json.Marshal(map[string]any{"zones": zones})
}

// UnmarshalJSON never fails; see ParseAssignments.
func (m *AssignmentMap) UnmarshalJSON(data []byte) error {
	*m = ParseAssignments([]byte(data))
	return nil
}

// decodeValue turns strings and bytes into decoded JSON values.
func decodeValue(raw any, depth int) (any, bool) {
	if depth > maxDecodeDepth {
		return nil, false
	}
	switch v := raw.(type) {
	case nil:
		return nil, false
	case string:
		return decodeBytes([]byte(v), depth)
	case []byte:
		return decodeBytes(v, depth)
	case json.RawMessage:
		return decodeBytes(v, depth)
	case map[string]any, []any:
		return v, true
	default:
		// Arbitrary Go values go through a JSON round trip.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		return decodeBytes(data, depth)
	}
}

func decodeBytes(data []byte, depth int) (any, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, false
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	if s, ok := out.(string); ok {
		return decodeValue(s, depth+1)
	}
	switch out.(type) {
	case map[string]any, []any:
		return out, true
	default:
		return nil, false
	}
}

// zoneEntries maps zone numbers to their raw values.
func zoneEntries(root any) map[int]any {
	entries := make(map[int]any)
	switch v := root.(type) {
	case map[string]any:
		for k, val := range v {
			if n, ok := zoneNumber(k); ok {
				entries[n] = val
			}
		}
	case []any:
		for i, val := range v {
			n := i + 1
			if obj, ok := val.(map[string]any); ok {
				for _, key := range []string{"key", "zone", "group"} {
					if kv, has := obj[key]; has {
						if parsed, ok := zoneNumber(idString(kv)); ok {
							n = parsed
						}
						break
					}
				}
			}
			if n >= 1 && n <= ZoneCount {
				entries[n] = val
			}
		}
	}
	return entries
}

// zoneNumber parses "zone1", "Zone_2", "group3", "room4" or "1".
func zoneNumber(key string) (int, bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, prefix := range []string{"zone", "group", "room"} {
		if strings.HasPrefix(k, prefix) {
			k = strings.TrimPrefix(k, prefix)
			break
		}
	}
	k = strings.TrimLeft(k, "_- ")
	n, err := strconv.Atoi(k)
	if err != nil || n < 1 || n > ZoneCount {
		return 0, false
	}
	return n, true
}

func parseZone(key int, raw any) *Zone {
	zone := &Zone{Key: key, Patients: []PatientRef{}}
	val, ok := decodeValue(raw, 0)
	if !ok {
		return zone
	}

	switch v := val.(type) {
	case []any:
		zone.Patients = parsePatients(v)
	case map[string]any:
		for _, k := range []string{"user", "assignedUser", "assigned_user", "staff", "zoneUser", "zone_user"} {
			if u, has := v[k]; has {
				zone.AssignedUser = parseStaff(u)
				break
			}
		}
		for _, k := range []string{"patients", "patientIds", "patient_ids"} {
			if p, has := v[k]; has {
				if list, ok := decodeValue(p, 0); ok {
					if arr, isArr := list.([]any); isArr {
						zone.Patients = parsePatients(arr)
					}
				}
				break
			}
		}
	}
	return zone
}

func parseStaff(raw any) *StaffRef {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		id := firstString(v, "id", "_id", "user_id", "userId")
		if id == "" {
			return nil
		}
		return &StaffRef{
			ID:   id,
			Name: personName(v),
			Role: NormalizeRole(firstString(v, "role")),
		}
	default:
		id := idString(v)
		if id == "" {
			return nil
		}
		return &StaffRef{ID: id}
	}
}

func parsePatients(list []any) []PatientRef {
	patients := make([]PatientRef, 0, len(list))
	for _, item := range list {
		var p PatientRef
		switch v := item.(type) {
		case map[string]any:
			p = PatientRef{
				ID:          firstString(v, "id", "_id", "patient_id", "patientId"),
				Name:        personName(v),
				DateOfBirth: firstString(v, "date_of_birth", "dateOfBirth", "dob", "age"),
				Bed:         firstString(v, "bed", "bed_number", "bedNumber"),
			}
		default:
			p = PatientRef{ID: idString(v)}
		}
		if p.ID != "" {
			patients = append(patients, p)
		}
	}
	return patients
}

func personName(v map[string]any) string {
	if name := firstString(v, "name", "full_name", "fullName"); name != "" {
		return name
	}
	first := firstString(v, "first_name", "firstName")
	last := firstString(v, "last_name", "lastName")
	return strings.TrimSpace(first + " " + last)
}

func firstString(v map[string]any, keys ...string) string {
	for _, k := range keys {
		if val, ok := v[k]; ok {
			if s := idString(val); s != "" {
				return s
			}
		}
	}
	return ""
}

// idString renders ids that arrive as strings or numbers.
func idString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}
