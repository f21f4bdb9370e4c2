package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// PacketRepo — история пакетов job (job_packets).
type PacketRepo struct {
	pool *pgxpool.Pool
}

// NewPacketRepo создаёт новый PacketRepo.
func NewPacketRepo(pool *pgxpool.Pool) *PacketRepo {
	return &PacketRepo{pool: pool}
}

// AppendPackets дописывает пакеты с позиции offset одним batch.
// Повторная запись той же позиции игнорируется.
func (r *PacketRepo) AppendPackets(ctx context.Context, jobID int64, offset int, packets []domain.DataPacket) error {
	if len(packets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, p := range packets {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal packet %d: %w", offset+i, err)
		}
		batch.Queue(`
			INSERT INTO job_packets (job_id, seq, packet)
			VALUES ($1, $2, $3)
			ON CONFLICT (job_id, seq) DO NOTHING
		`, jobID, offset+i, data)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: job %d", ErrNotFound, jobID)
		}
		return fmt.Errorf("append packets: %w", err)
	}
	return nil
}

// ListPackets возвращает пакеты job в порядке добавления.
func (r *PacketRepo) ListPackets(ctx context.Context, jobID int64) ([]domain.DataPacket, error) {
	rows, err := r.pool.Query(ctx, `SELECT packet FROM job_packets WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list packets: %w", err)
	}
	defer rows.Close()

	var packets []domain.DataPacket
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		var p domain.DataPacket
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal packet: %w", err)
		}
		packets = append(packets, p)
	}
	return packets, rows.Err()
}
