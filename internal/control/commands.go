package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"driftwood/internal/canonical"
	"driftwood/internal/doc"
	"driftwood/internal/gitproto"
	"driftwood/internal/gitstore"
	"driftwood/internal/gossip"
	"driftwood/internal/identity"
	"driftwood/internal/ridpkg"
	"driftwood/internal/store"
	"driftwood/internal/transport"
)

// Deps bundles every component the control socket's commands act on. All
// fields are optional except Self; a command whose dependency is nil
// reports an error rather than panicking.
type Deps struct {
	Gossip    *gossip.Service
	Policy    *store.PolicyStore
	Routing   *store.RoutingStore
	Address   *store.AddressStore
	Transport *transport.Transport
	GitStore  *gitstore.Store

	Self        identity.NID
	StorageRoot string
	StartedAt   time.Time
	Now         clockFunc
	Shutdown    func()
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// dispatch decodes raw into the request shape for command and runs it,
// mirroring the teacher's one-handler-per-route shape (walletserver/
// controllers) but keyed by a JSON "command" tag instead of an HTTP verb.
func (d *Deps) dispatch(ctx context.Context, command string, raw []byte) (any, error) {
	switch command {
	case "AnnounceRefsFor":
		var req struct {
			RID        string   `json:"rid"`
			Namespaces []string `json:"namespaces"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.Gossip == nil {
			return nil, fmt.Errorf("gossip service not wired")
		}
		if err := d.Gossip.AnnounceRefsFor(req.RID, req.Namespaces, d.now()); err != nil {
			return nil, err
		}
		return true, nil

	case "AnnounceInventory":
		if d.Gossip == nil {
			return nil, fmt.Errorf("gossip service not wired")
		}
		d.Gossip.Events().Publish(gossip.Event{Kind: "inventory-announced-locally", At: d.now()})
		return true, nil

	case "AddInventory":
		var req struct {
			RID string `json:"rid"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		rid, err := ridpkg.Parse(req.RID)
		if err != nil {
			return nil, err
		}
		if d.GitStore == nil {
			return nil, fmt.Errorf("git storage not wired")
		}
		if _, err := d.GitStore.OpenOrInit(rid); err != nil {
			return nil, err
		}
		if d.Gossip != nil {
			d.Gossip.Events().Publish(gossip.Event{Kind: "inventory-added", RID: req.RID, At: d.now()})
		}
		return true, nil

	case "Config":
		return map[string]any{
			"nid":          d.Self.String(),
			"storage_root": d.StorageRoot,
		}, nil

	case "ListenAddrs":
		if d.Transport == nil {
			return nil, fmt.Errorf("transport not wired")
		}
		return d.Transport.ListenAddrs(), nil

	case "Connect":
		var req struct {
			Addr string         `json:"addr"`
			Opts map[string]any `json:"opts"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.Transport == nil {
			return nil, fmt.Errorf("transport not wired")
		}
		id, err := d.Transport.Connect(ctx, req.Addr)
		if err != nil {
			return nil, err
		}
		if d.Address != nil {
			_ = d.Address.Record(id.String(), req.Addr, store.SourceManual)
			_ = d.Address.MarkAttempt(id.String(), req.Addr, true, d.now())
		}
		return map[string]any{"peer": id.String()}, nil

	case "Disconnect":
		var req struct {
			NID string `json:"nid"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.Transport == nil {
			return nil, fmt.Errorf("transport not wired")
		}
		nid, err := identity.ParseNID(req.NID)
		if err != nil {
			return nil, err
		}
		id, err := transport.PeerIDFromNID(nid)
		if err != nil {
			return nil, err
		}
		if err := d.Transport.Disconnect(id); err != nil {
			return nil, err
		}
		if d.Gossip != nil {
			d.Gossip.Disconnected(req.NID, d.now())
		}
		return true, nil

	case "SeedsFor":
		var req struct {
			RID string `json:"rid"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.Gossip == nil {
			return nil, fmt.Errorf("gossip service not wired")
		}
		return d.Gossip.SeedsFor(req.RID)

	case "Sessions":
		if d.Gossip == nil {
			return nil, fmt.Errorf("gossip service not wired")
		}
		return d.Gossip.Sessions(), nil

	case "Session":
		var req struct {
			NID string `json:"nid"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.Gossip == nil {
			return nil, fmt.Errorf("gossip service not wired")
		}
		sess, ok := d.Gossip.Session(req.NID)
		if !ok {
			return nil, fmt.Errorf("no session for %s", req.NID)
		}
		return sess, nil

	case "Fetch":
		var req struct {
			RID     string `json:"rid"`
			NID     string `json:"nid"`
			Timeout int    `json:"timeout"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return d.fetch(ctx, req.RID, req.NID, req.Timeout)

	case "Seed":
		var req struct {
			RID   string `json:"rid"`
			Scope string `json:"scope"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.Policy == nil {
			return nil, fmt.Errorf("policy store not wired")
		}
		scope := store.ScopeAll
		if req.Scope != "" {
			scope = store.SeedScope(req.Scope)
		}
		if err := d.Policy.SetSeed(req.RID, store.SeedAllow, scope); err != nil {
			return nil, err
		}
		return true, nil

	case "Unseed":
		var req struct {
			RID string `json:"rid"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.Policy == nil {
			return nil, fmt.Errorf("policy store not wired")
		}
		if err := d.Policy.Unseed(req.RID); err != nil {
			return nil, err
		}
		return true, nil

	case "Follow":
		var req struct {
			NID   string `json:"nid"`
			Alias string `json:"alias"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.Policy == nil {
			return nil, fmt.Errorf("policy store not wired")
		}
		if err := d.Policy.SetFollow(req.NID, store.FollowAllow, req.Alias); err != nil {
			return nil, err
		}
		return true, nil

	case "Unfollow":
		var req struct {
			NID string `json:"nid"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.Policy == nil {
			return nil, fmt.Errorf("policy store not wired")
		}
		if err := d.Policy.Unfollow(req.NID); err != nil {
			return nil, err
		}
		return true, nil

	case "Canonical":
		var req struct {
			RID     string `json:"rid"`
			Pattern string `json:"pattern"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if d.GitStore == nil {
			return nil, fmt.Errorf("git storage not wired")
		}
		return d.canonical(req.RID, req.Pattern)

	case "Status":
		sessions := 0
		if d.Gossip != nil {
			sessions = len(d.Gossip.Sessions())
		}
		return map[string]any{
			"uptime_seconds": d.now().Sub(d.StartedAt).Seconds(),
			"sessions":       sessions,
			"storage_root":   d.StorageRoot,
		}, nil

	case "NodeId":
		return map[string]string{"nid": d.Self.String(), "did": d.Self.DID()}, nil

	case "Debug":
		return map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"go_version": runtime.Version(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

// fetch drives a single on-demand replication against one seed, reusing
// the same gitproto client pipeline the gossip-triggered worker pool uses,
// then reports the outcome back to the scheduler so backoff state stays
// consistent between control-triggered and gossip-triggered fetches.
func (d *Deps) fetch(ctx context.Context, ridStr, nidStr string, timeoutSeconds int) (any, error) {
	if d.Transport == nil || d.GitStore == nil {
		return nil, fmt.Errorf("transport or git storage not wired")
	}
	rid, err := ridpkg.Parse(ridStr)
	if err != nil {
		return nil, err
	}
	nid, err := identity.ParseNID(nidStr)
	if err != nil {
		return nil, err
	}

	timeout := 30 * time.Second
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	peerID, err := transport.PeerIDFromNID(nid)
	if err != nil {
		return nil, err
	}
	stream, err := d.Transport.OpenStream(fetchCtx, peerID, transport.ProtocolGit)
	if err != nil {
		d.reportFetch(ridStr, nidStr, false)
		return nil, err
	}
	defer stream.Close()

	result, err := d.runFetch(stream, rid)
	d.reportFetch(ridStr, nidStr, err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Deps) runFetch(stream io.ReadWriter, rid ridpkg.RID) (map[string]any, error) {
	if err := gitproto.WriteHeader(stream, rid.String(), d.Self.String()); err != nil {
		return nil, err
	}
	refs, err := gitproto.LsRefs(stream, []string{"refs/"})
	if err != nil {
		return nil, err
	}

	repo, err := d.GitStore.OpenOrInit(rid)
	if err != nil {
		return nil, err
	}
	lock := d.GitStore.Lock(rid)
	lock.Lock()
	defer lock.Unlock()

	wants, haves := gitproto.WantsHaves(refs, repo)
	packHash, err := gitproto.Fetch(stream, repo, wants, haves)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"pack":  packHash.String(),
		"wants": len(wants),
		"haves": len(haves),
		"refs":  len(refs),
	}, nil
}

// canonical computes the canonical target for pattern within rid, per
// spec.md §4.5: it reads our own replicated view of the project identity
// document for the rule governing pattern, collects each delegate's
// namespaced tip for pattern, and resolves quorum over them. On success it
// advances the local refs/<pattern> ref, refusing to move it to a
// non-descendant of its current target.
func (d *Deps) canonical(ridStr, pattern string) (any, error) {
	rid, err := ridpkg.Parse(ridStr)
	if err != nil {
		return nil, err
	}
	repo, err := d.GitStore.Open(rid)
	if err != nil {
		return nil, err
	}

	idDoc, err := doc.LoadFromRepo(repo, gitstore.IdentityRef(d.Self))
	if err != nil {
		return nil, fmt.Errorf("control: canonical: load identity doc: %w", err)
	}
	if idDoc == nil {
		return nil, fmt.Errorf("control: canonical: no identity document published")
	}
	rule, ok := idDoc.Payload.CanonicalRefs[pattern]
	if !ok {
		return nil, fmt.Errorf("control: canonical: no rule for pattern %s", pattern)
	}

	graph := canonical.RepoGraph{Repo: repo}
	tips := func(delegateDID, pattern string) (canonical.Tip, bool) {
		nid, err := identity.ParseDID(delegateDID)
		if err != nil {
			return canonical.Tip{}, false
		}
		return canonical.TipAt(repo, gitstore.NamespaceRef(nid, plumbing.ReferenceName(pattern)))
	}

	result := canonical.Evaluate(graph, idDoc.Payload, pattern, rule, tips)
	if result.Err != nil {
		return nil, result.Err
	}

	refName := plumbing.ReferenceName(pattern)
	current, _ := canonical.TipAt(repo, refName)
	if err := canonical.CheckHeadMovement(graph, pattern, current.OID, result.Target.OID); err != nil {
		return nil, err
	}
	newRef := plumbing.NewHashReference(refName, plumbing.NewHash(result.Target.OID))
	if err := repo.Storer.SetReference(newRef); err != nil {
		return nil, fmt.Errorf("control: canonical: update %s: %w", pattern, err)
	}

	return map[string]any{
		"pattern": pattern,
		"target":  result.Target.OID,
		"kind":    result.Target.Kind,
	}, nil
}

func (d *Deps) reportFetch(rid, nid string, success bool) {
	if d.Gossip != nil {
		d.Gossip.FetchCompleted(rid, nid, success, d.now())
	}
}
