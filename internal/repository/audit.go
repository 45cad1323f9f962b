// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/nodeweave/meshplane/pkg/log"
	"github.com/nodeweave/meshplane/pkg/schema"
)

// AuditRepository persists dispatched ChannelConfig and Command
// records for later inspection. It never feeds back into the
// optimizer's or controller's in-memory decision state.
type AuditRepository struct {
	conn *DBConnection
}

// NewAuditRepository wraps the singleton connection opened by Connect.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{conn: GetConnection()}
}

// RecordChannelConfig appends one ChannelConfig row.
func (r *AuditRepository) RecordChannelConfig(cfg schema.ChannelConfig) error {
	_, err := sq.Insert("channel_config").
		Columns("node_id", "channel", "reason", "created_at").
		Values(cfg.NodeID, cfg.Channel, cfg.Reason, time.Now().UTC().Format(time.RFC3339Nano)).
		RunWith(r.conn.DB).Exec()
	if err != nil {
		log.Warnf("repository: record channel config for %s: %v", cfg.NodeID, err)
	}
	return err
}

// RecordCommand appends one Command row.
func (r *AuditRepository) RecordCommand(cmd schema.Command) error {
	_, err := sq.Insert("command").
		Columns("node_id", "command", "payload", "config_version", "created_at").
		Values(cmd.NodeID, cmd.Command, cmd.Payload, cmd.ConfigVersion, time.Now().UTC().Format(time.RFC3339Nano)).
		RunWith(r.conn.DB).Exec()
	if err != nil {
		log.Warnf("repository: record command for %s: %v", cmd.NodeID, err)
	}
	return err
}

// CommandHistoryEntry is one row of a node's dispatched command history.
type CommandHistoryEntry struct {
	NodeID        string `db:"node_id" json:"nodeId"`
	Command       string `db:"command" json:"command"`
	Payload       string `db:"payload" json:"payload"`
	ConfigVersion string `db:"config_version" json:"configVersion"`
	CreatedAt     string `db:"created_at" json:"createdAt"`
}

// CommandHistory returns the last limit commands dispatched to
// nodeID, most recent first.
func (r *AuditRepository) CommandHistory(nodeID string, limit int) ([]CommandHistoryEntry, error) {
	rows, err := sq.Select("node_id", "command", "payload", "config_version", "created_at").
		From("command").
		Where(sq.Eq{"node_id": nodeID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		RunWith(r.conn.DB).Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandHistoryEntry
	for rows.Next() {
		var e CommandHistoryEntry
		if err := rows.Scan(&e.NodeID, &e.Command, &e.Payload, &e.ConfigVersion, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes audit rows older than retention, returning
// the number of rows removed from each table.
func (r *AuditRepository) PruneOlderThan(retention time.Duration) (int64, int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)

	ccRes, err := sq.Delete("channel_config").Where(sq.Lt{"created_at": cutoff}).RunWith(r.conn.DB).Exec()
	if err != nil {
		return 0, 0, err
	}
	cmdRes, err := sq.Delete("command").Where(sq.Lt{"created_at": cutoff}).RunWith(r.conn.DB).Exec()
	if err != nil {
		return 0, 0, err
	}

	ccN, _ := ccRes.RowsAffected()
	cmdN, _ := cmdRes.RowsAffected()
	return ccN, cmdN, nil
}
