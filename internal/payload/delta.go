package payload

import "slices"

// ActionKind is the action taken on an origin or router-key entry.
type ActionKind uint8

const (
	Announce ActionKind = iota
	Withdraw
)

// OriginAction announces or withdraws one VRP.
type OriginAction struct {
	Kind ActionKind
	VRP  VRP
}

// RouterKeyAction announces or withdraws one router key.
type RouterKeyAction struct {
	Kind ActionKind
	Key  RouterKey
}

// ASPAActionKind distinguishes the three things that can happen to an
// ASPA entry between two snapshots.
type ASPAActionKind uint8

const (
	ASPAAnnounce ASPAActionKind = iota
	ASPAWithdraw
	ASPAUpdate // externally reported as Announce with NewProviders (spec §4.8)
)

// ASPAAction carries both the old and new provider sets so that a chain
// of deltas can be merged without needing to re-consult any snapshot
// (spec §9 "ASPA delta semantics").
type ASPAAction struct {
	Kind         ASPAActionKind
	Customer     uint32
	Family       Family
	OldProviders []uint32 // valid for Withdraw, Update
	NewProviders []uint32 // valid for Announce, Update
}

// Delta is the set of changes between the snapshot at Serial-1 and the
// snapshot at Serial.
type Delta struct {
	Serial     uint64
	Origins    []OriginAction
	RouterKeys []RouterKeyAction
	ASPAs      []ASPAAction
}

// Empty reports whether the delta has no actions at all (spec §4.8: "a
// delta is empty iff all three action lists are empty").
func (d *Delta) Empty() bool {
	return d == nil || (len(d.Origins) == 0 && len(d.RouterKeys) == 0 && len(d.ASPAs) == 0)
}

// Diff builds the delta taking old to updated, targeting serial.
func Diff(old, updated *Snapshot, serial uint64) *Delta {
	d := &Delta{Serial: serial}
	d.Origins = diffOrigins(old.Origins, updated.Origins)
	d.RouterKeys = diffRouterKeys(old.RouterKeys, updated.RouterKeys)
	d.ASPAs = diffASPAs(old.ASPAs, updated.ASPAs)
	return d
}

func diffOrigins(old, new []VRP) []OriginAction {
	var out []OriginAction
	i, j := 0, 0
	for i < len(old) || j < len(new) {
		switch {
		case j >= len(new) || (i < len(old) && old[i].less(new[j]) < 0):
			out = append(out, OriginAction{Kind: Withdraw, VRP: old[i]})
			i++
		case i >= len(old) || new[j].less(old[i]) < 0:
			out = append(out, OriginAction{Kind: Announce, VRP: new[j]})
			j++
		default:
			i++
			j++ // present in both, unchanged
		}
	}
	return out
}

func diffRouterKeys(old, new []RouterKey) []RouterKeyAction {
	var out []RouterKeyAction
	i, j := 0, 0
	for i < len(old) || j < len(new) {
		switch {
		case j >= len(new) || (i < len(old) && old[i].less(new[j]) < 0):
			out = append(out, RouterKeyAction{Kind: Withdraw, Key: old[i]})
			i++
		case i >= len(old) || new[j].less(old[i]) < 0:
			out = append(out, RouterKeyAction{Kind: Announce, Key: new[j]})
			j++
		default:
			i++
			j++
		}
	}
	return out
}

func diffASPAs(old, new []ASPA) []ASPAAction {
	var out []ASPAAction
	i, j := 0, 0
	for i < len(old) || j < len(new) {
		switch {
		case j >= len(new) || (i < len(old) && old[i].less(new[j]) < 0):
			out = append(out, ASPAAction{Kind: ASPAWithdraw, Customer: old[i].Customer, Family: old[i].Family, OldProviders: old[i].Providers})
			i++
		case i >= len(old) || new[j].less(old[i]) < 0:
			out = append(out, ASPAAction{Kind: ASPAAnnounce, Customer: new[j].Customer, Family: new[j].Family, NewProviders: new[j].Providers})
			j++
		default:
			if !sameProviders(old[i].Providers, new[j].Providers) {
				out = append(out, ASPAAction{
					Kind: ASPAUpdate, Customer: old[i].Customer, Family: old[i].Family,
					OldProviders: old[i].Providers, NewProviders: new[j].Providers,
				})
			}
			i++
			j++
		}
	}
	return out
}

// Apply replays delta against old, producing the snapshot it was
// diffed to — used both for tests and for history reconstruction.
func Apply(old *Snapshot, d *Delta) *Snapshot {
	s := &Snapshot{Created: old.Created, RefreshDeadline: old.RefreshDeadline}

	origins := make(map[vrpKey]VRP, len(old.Origins))
	for _, v := range old.Origins {
		origins[vrpKeyOf(v)] = v
	}
	for _, a := range d.Origins {
		k := vrpKeyOf(a.VRP)
		if a.Kind == Announce {
			origins[k] = a.VRP
		} else {
			delete(origins, k)
		}
	}
	s.Origins = sortedValues(origins, func(a, b VRP) int { return a.less(b) })

	keys := make(map[routerKeyKey]RouterKey, len(old.RouterKeys))
	for _, k := range old.RouterKeys {
		keys[routerKeyOf(k)] = k
	}
	for _, a := range d.RouterKeys {
		k := routerKeyOf(a.Key)
		if a.Kind == Announce {
			keys[k] = a.Key
		} else {
			delete(keys, k)
		}
	}
	s.RouterKeys = sortedValues(keys, func(a, b RouterKey) int { return a.less(b) })

	aspas := make(map[aspaKeyT]ASPA, len(old.ASPAs))
	for _, a := range old.ASPAs {
		aspas[aspaKeyT{a.Customer, a.Family}] = a
	}
	for _, a := range d.ASPAs {
		k := aspaKeyT{a.Customer, a.Family}
		switch a.Kind {
		case ASPAWithdraw:
			delete(aspas, k)
		case ASPAAnnounce:
			aspas[k] = ASPA{Customer: a.Customer, Family: a.Family, Providers: a.NewProviders}
		case ASPAUpdate:
			aspas[k] = ASPA{Customer: a.Customer, Family: a.Family, Providers: a.NewProviders}
		}
	}
	s.ASPAs = sortedValues(aspas, func(a, b ASPA) int { return a.less(b) })

	return s
}

// Merge combines a (targeting serial X+1) and b (targeting X+2) into a
// single delta targeting X+2 (spec §4.8 "delta merge").
func Merge(a, b *Delta) *Delta {
	out := &Delta{Serial: b.Serial}
	out.Origins = mergeOriginActions(a.Origins, b.Origins)
	out.RouterKeys = mergeRouterKeyActions(a.RouterKeys, b.RouterKeys)
	out.ASPAs = mergeASPAActions(a.ASPAs, b.ASPAs)
	return out
}

func mergeOriginActions(a, b []OriginAction) []OriginAction {
	byKey := make(map[vrpKey]ActionKind, len(a)+len(b))
	vrps := make(map[vrpKey]VRP, len(a)+len(b))
	present := make(map[vrpKey]bool, len(a)+len(b))
	for _, act := range a {
		k := vrpKeyOf(act.VRP)
		byKey[k] = act.Kind
		vrps[k] = act.VRP
		present[k] = true
	}
	for _, act := range b {
		k := vrpKeyOf(act.VRP)
		first, had := byKey[k]
		if !had {
			byKey[k] = act.Kind
			vrps[k] = act.VRP
			present[k] = true
			continue
		}
		// (Announce,Announce) and (Withdraw,Withdraw) should not occur
		// for a well-formed chain; treat them as the obvious rewrite
		// (second action wins) rather than panicking.
		switch {
		case first == Announce && act.Kind == Withdraw:
			delete(present, k)
		case first == Withdraw && act.Kind == Announce:
			delete(present, k)
		default:
			byKey[k] = act.Kind
			vrps[k] = act.VRP
		}
	}
	var out []OriginAction
	for k, kind := range byKey {
		if !present[k] {
			continue
		}
		out = append(out, OriginAction{Kind: kind, VRP: vrps[k]})
	}
	slices.SortFunc(out, func(x, y OriginAction) int { return x.VRP.less(y.VRP) })
	return out
}

func mergeRouterKeyActions(a, b []RouterKeyAction) []RouterKeyAction {
	byKey := make(map[routerKeyKey]ActionKind, len(a)+len(b))
	keys := make(map[routerKeyKey]RouterKey, len(a)+len(b))
	present := make(map[routerKeyKey]bool, len(a)+len(b))
	for _, act := range a {
		k := routerKeyOf(act.Key)
		byKey[k] = act.Kind
		keys[k] = act.Key
		present[k] = true
	}
	for _, act := range b {
		k := routerKeyOf(act.Key)
		first, had := byKey[k]
		if !had {
			byKey[k] = act.Kind
			keys[k] = act.Key
			present[k] = true
			continue
		}
		switch {
		case first == Announce && act.Kind == Withdraw:
			delete(present, k)
		case first == Withdraw && act.Kind == Announce:
			delete(present, k)
		default:
			byKey[k] = act.Kind
			keys[k] = act.Key
		}
	}
	var out []RouterKeyAction
	for k, kind := range byKey {
		if !present[k] {
			continue
		}
		out = append(out, RouterKeyAction{Kind: kind, Key: keys[k]})
	}
	slices.SortFunc(out, func(x, y RouterKeyAction) int { return x.Key.less(y.Key) })
	return out
}

// mergeASPAActions implements the eight-case ASPA delta-merge table
// (spec §4.8): each action carries its own old/new provider sets, so
// merging never needs to consult a snapshot.
func mergeASPAActions(a, b []ASPAAction) []ASPAAction {
	byKey := make(map[aspaKeyT]ASPAAction, len(a)+len(b))
	present := make(map[aspaKeyT]bool, len(a)+len(b))
	for _, act := range a {
		k := aspaKeyT{act.Customer, act.Family}
		byKey[k] = act
		present[k] = true
	}
	for _, act := range b {
		k := aspaKeyT{act.Customer, act.Family}
		first, had := byKey[k]
		if !had {
			byKey[k] = act
			present[k] = true
			continue
		}
		merged, keep := mergeASPAPair(first, act)
		if !keep {
			delete(present, k)
			continue
		}
		byKey[k] = merged
	}
	var out []ASPAAction
	for k, act := range byKey {
		if !present[k] {
			continue
		}
		out = append(out, act)
	}
	slices.SortFunc(out, func(x, y ASPAAction) int {
		if x.Customer != y.Customer {
			if x.Customer < y.Customer {
				return -1
			}
			return 1
		}
		return int(x.Family) - int(y.Family)
	})
	return out
}

// mergeASPAPair resolves one pair of consecutive actions on the same
// (customer, family) key; keep=false means the pair cancels to nothing.
func mergeASPAPair(a, b ASPAAction) (ASPAAction, bool) {
	switch {
	case a.Kind == ASPAAnnounce && b.Kind == ASPAWithdraw:
		return ASPAAction{}, false

	case a.Kind == ASPAAnnounce && b.Kind == ASPAUpdate:
		return ASPAAction{Kind: ASPAAnnounce, Customer: a.Customer, Family: a.Family, NewProviders: b.NewProviders}, true

	case a.Kind == ASPAWithdraw && b.Kind == ASPAAnnounce:
		if sameProviders(a.OldProviders, b.NewProviders) {
			return ASPAAction{}, false
		}
		return ASPAAction{Kind: ASPAUpdate, Customer: a.Customer, Family: a.Family, OldProviders: a.OldProviders, NewProviders: b.NewProviders}, true

	case a.Kind == ASPAUpdate && b.Kind == ASPAWithdraw:
		return ASPAAction{Kind: ASPAWithdraw, Customer: a.Customer, Family: a.Family, OldProviders: a.OldProviders}, true

	case a.Kind == ASPAUpdate && b.Kind == ASPAUpdate:
		if sameProviders(a.OldProviders, b.NewProviders) {
			return ASPAAction{}, false
		}
		return ASPAAction{Kind: ASPAUpdate, Customer: a.Customer, Family: a.Family, OldProviders: a.OldProviders, NewProviders: b.NewProviders}, true

	default:
		// Announce/Announce, Withdraw/Withdraw, Withdraw/Update,
		// Update/Announce: not reachable from a well-formed chain of
		// consecutive diffs. Fall back to the second action.
		return b, true
	}
}
