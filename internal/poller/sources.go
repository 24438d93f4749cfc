package poller

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/backwatch/backwatch/internal/models"
	"github.com/backwatch/backwatch/pkg/pbs"
	"github.com/backwatch/backwatch/pkg/pve"
)

// hypervisorSource fetches guest inventory, local backup archives,
// snapshots and backup task outcomes from one hypervisor cluster.
type hypervisorSource struct {
	id     string
	client *pve.Client
}

func (s *hypervisorSource) Fetch(ctx context.Context) (*models.RawSnapshot, error) {
	guests, err := s.client.GetGuests(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing guests: %w", err)
	}

	snapshot := &models.RawSnapshot{
		SourceID:  s.id,
		Kind:      models.SourceHypervisor,
		FetchedAt: time.Now(),
	}

	guestType := make(map[models.GuestKey]string, len(guests))
	for _, g := range guests {
		if g.Template != 0 {
			continue
		}
		kind := models.GuestVM
		if g.Type == "lxc" {
			kind = models.GuestContainer
		}
		info := models.GuestInfo{
			VMID:   g.VMID,
			Name:   g.Name,
			Node:   g.Node,
			Type:   kind,
			Status: g.Status,
		}
		snapshot.Guests = append(snapshot.Guests, info)
		guestType[info.Key()] = g.Type
	}

	if err := s.collectBackupFiles(ctx, snapshot); err != nil {
		return nil, err
	}
	s.collectSnapshots(ctx, snapshot, guestType)
	s.collectTaskFailures(ctx, snapshot)

	return snapshot, nil
}

// collectBackupFiles walks backup-capable storages on every online node.
// Shared storages are visible from each node; volumes are deduplicated
// by volid so one archive is only observed once.
func (s *hypervisorSource) collectBackupFiles(ctx context.Context, snapshot *models.RawSnapshot) error {
	nodes, err := s.client.GetNodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}

	seen := make(map[string]bool)
	for _, node := range nodes {
		if node.Status != "online" {
			continue
		}
		storages, err := s.client.GetStorage(ctx, node.Node)
		if err != nil {
			// One unreachable node must not fail the whole fetch.
			log.Warn().Str("endpoint", s.id).Str("node", node.Node).Err(err).Msg("Skipping storage listing")
			continue
		}
		for _, storage := range storages {
			if storage.Active == 0 || !strings.Contains(storage.Content, "backup") {
				continue
			}
			files, err := s.client.GetBackupFiles(ctx, node.Node, storage.Storage)
			if err != nil {
				log.Warn().Str("endpoint", s.id).Str("storage", storage.Storage).Err(err).Msg("Skipping backup listing")
				continue
			}
			for _, f := range files {
				if f.VMID == 0 || seen[f.Volid] {
					continue
				}
				seen[f.Volid] = true
				snapshot.Observations = append(snapshot.Observations, models.HypervisorBackupObservation{
					VMID:    f.VMID,
					Node:    node.Node,
					Storage: storage.Storage,
					Time:    time.Unix(f.CTime, 0),
					Size:    f.Size,
				})
			}
		}
	}
	return nil
}

func (s *hypervisorSource) collectSnapshots(ctx context.Context, snapshot *models.RawSnapshot, guestType map[models.GuestKey]string) {
	for _, g := range snapshot.Guests {
		snaps, err := s.client.GetSnapshots(ctx, g.Node, guestType[g.Key()], g.VMID)
		if err != nil {
			log.Debug().Str("endpoint", s.id).Int("vmid", g.VMID).Err(err).Msg("Skipping snapshot listing")
			continue
		}
		for _, snap := range snaps {
			snapshot.Observations = append(snapshot.Observations, models.SnapshotObservation{
				VMID: g.VMID,
				Node: g.Node,
				Name: snap.Name,
				Time: time.Unix(snap.SnapTime, 0),
			})
		}
	}
}

// collectTaskFailures records failed backup runs so classification can
// flag a guest whose latest backup attempt did not complete.
func (s *hypervisorSource) collectTaskFailures(ctx context.Context, snapshot *models.RawSnapshot) {
	tasks, err := s.client.GetBackupTasks(ctx)
	if err != nil {
		log.Debug().Str("endpoint", s.id).Err(err).Msg("Skipping backup task listing")
		return
	}
	for _, t := range tasks {
		if t.Status == "OK" {
			continue
		}
		vmid, err := strconv.Atoi(t.ID)
		if err != nil {
			continue
		}
		snapshot.Observations = append(snapshot.Observations, models.HypervisorBackupObservation{
			VMID:   vmid,
			Node:   t.Node,
			Time:   time.Unix(t.EndTime, 0),
			Failed: true,
		})
	}
}

// backupServerSource fetches backup snapshots from every datastore and
// namespace of one backup server.
type backupServerSource struct {
	id     string
	client *pbs.Client
}

func (s *backupServerSource) Fetch(ctx context.Context) (*models.RawSnapshot, error) {
	stores, err := s.client.GetDatastores(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing datastores: %w", err)
	}

	snapshot := &models.RawSnapshot{
		SourceID:  s.id,
		Kind:      models.SourceBackupServer,
		FetchedAt: time.Now(),
	}

	for _, store := range stores {
		namespaces := []string{""}
		if listed, err := s.client.GetNamespaces(ctx, store.Store); err == nil {
			for _, ns := range listed {
				if ns.NS != "" {
					namespaces = append(namespaces, ns.NS)
				}
			}
		}
		// Older servers reject the namespace listing; the root
		// namespace alone is used then.

		for _, ns := range namespaces {
			backups, err := s.client.GetSnapshots(ctx, store.Store, ns)
			if err != nil {
				return nil, fmt.Errorf("listing snapshots in %s ns %q: %w", store.Store, ns, err)
			}
			for _, b := range backups {
				vmid, err := strconv.Atoi(b.BackupID)
				if err != nil {
					// Host backups carry non-numeric IDs; not guests.
					continue
				}
				obs := models.BackupServerObservation{
					VMID:      vmid,
					Namespace: ns,
					Time:      time.Unix(b.BackupTime, 0),
					Size:      b.Size,
				}
				switch b.BackupType {
				case "vm":
					obs.Type = models.GuestVM
				case "ct":
					obs.Type = models.GuestContainer
				}
				if b.Verification != nil {
					obs.Verified = b.Verification.State == "ok"
				}
				snapshot.Observations = append(snapshot.Observations, obs)
			}
		}
	}

	return snapshot, nil
}
