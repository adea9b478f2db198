package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/store"
)

const accessKey = "quickcount:access"

// MediaInfo one media partner registration. IPAddress and EventID are
// parallel lists; each element may hold several comma-separated values.
type MediaInfo struct {
	Media     []string `json:"media"`
	IPAddress []string `json:"ip_address"`
	EventID   []string `json:"event_id"`
}

// AccessList who may read quick-count results, and for which events
type AccessList struct {
	Whitelist []string            `json:"whitelist"`
	Events    map[string][]string `json:"events"`
}

// BuildAccessList merges registrations into one whitelist and IP->events map
func BuildAccessList(infos []MediaInfo) AccessList {
	ips := map[string]struct{}{}
	events := map[string]map[string]struct{}{}

	for _, info := range infos {
		for i, ipField := range info.IPAddress {
			var evs []string
			if i < len(info.EventID) {
				evs = splitList(info.EventID[i])
			}
			for _, ip := range splitList(ipField) {
				ips[ip] = struct{}{}
				if events[ip] == nil {
					events[ip] = map[string]struct{}{}
				}
				for _, ev := range evs {
					events[ip][models.NormalizeEventID(ev)] = struct{}{}
				}
			}
		}
	}

	out := AccessList{Whitelist: sortedKeys(ips), Events: make(map[string][]string, len(events))}
	for ip, evs := range events {
		out.Events[ip] = sortedKeys(evs)
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AccessStore persists the access list in the KV store so every replica
// sees the same registrations. Static IPs from configuration are always
// allowed and see every event.
type AccessStore struct {
	kv     store.KV
	static map[string]struct{}
}

func NewAccessStore(kv store.KV, staticIPs []string) *AccessStore {
	s := &AccessStore{kv: kv, static: map[string]struct{}{}}
	for _, ip := range staticIPs {
		if ip = strings.TrimSpace(ip); ip != "" {
			s.static[ip] = struct{}{}
		}
	}
	return s
}

// Replace stores list, dropping the previous registrations
func (s *AccessStore) Replace(ctx context.Context, list AccessList) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, accessKey, string(data), 0)
}

func (s *AccessStore) Load(ctx context.Context) (AccessList, error) {
	raw, err := s.kv.Get(ctx, accessKey)
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			return AccessList{Events: map[string][]string{}}, nil
		}
		return AccessList{}, err
	}
	var list AccessList
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return AccessList{}, fmt.Errorf("decode access list: %w", err)
	}
	return list, nil
}

// Lookup reports whether ip is allowed and which events it may read; a nil
// slice with ok means every event
func (s *AccessStore) Lookup(ctx context.Context, ip string) (events []string, ok bool, err error) {
	if _, static := s.static[ip]; static {
		return nil, true, nil
	}
	list, err := s.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, w := range list.Whitelist {
		if w == ip {
			evs := list.Events[ip]
			if evs == nil {
				evs = []string{}
			}
			return evs, true, nil
		}
	}
	return nil, false, nil
}
