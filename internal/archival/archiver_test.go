package archival

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/aristath/sentinel/internal/testing"
)

type recordingUploader struct {
	uploads []*s3.PutObjectInput
}

func (u *recordingUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	u.uploads = append(u.uploads, input)
	return &manager.UploadOutput{}, nil
}

func TestArchiver_RunOnce_ShipsNewRowsAndAdvancesCheckpoint(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO notifications (id, user_id, kind, message, created_at)
		VALUES ('n1', 'u1', 'k', 'm', '2026-01-01T00:00:00.000Z')
	`)
	require.NoError(t, err)

	up := &recordingUploader{}
	a := &Archiver{db: db.Conn(), bucket: "test-bucket", up: up, log: zerolog.Nop()}

	a.RunOnce(context.Background())

	require.Len(t, up.uploads, 1, "only the notifications table has rows to ship")
	assert.Contains(t, *up.uploads[0].Key, "notifications/")

	var watermark string
	require.NoError(t, db.Conn().QueryRow(`SELECT last_archived_at FROM archive_checkpoints WHERE table_name = 'notifications'`).Scan(&watermark))
	assert.Equal(t, "1", watermark)
}

func TestArchiver_RunOnce_SecondSweepIsNoOpWithoutNewRows(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO notifications (id, user_id, kind, message, created_at)
		VALUES ('n1', 'u1', 'k', 'm', '2026-01-01T00:00:00.000Z')
	`)
	require.NoError(t, err)

	up := &recordingUploader{}
	a := &Archiver{db: db.Conn(), bucket: "test-bucket", up: up, log: zerolog.Nop()}

	a.RunOnce(context.Background())
	a.RunOnce(context.Background())

	assert.Len(t, up.uploads, 1, "a second sweep with no new rows must not upload again")
}

func TestArchiver_RunOnce_OnlyShipsRowsPastCheckpoint(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO notifications (id, user_id, kind, message, created_at)
		VALUES ('n1', 'u1', 'k', 'm', '2026-01-01T00:00:00.000Z')
	`)
	require.NoError(t, err)

	up := &recordingUploader{}
	a := &Archiver{db: db.Conn(), bucket: "test-bucket", up: up, log: zerolog.Nop()}
	a.RunOnce(context.Background())

	_, err = db.Conn().Exec(`
		INSERT INTO notifications (id, user_id, kind, message, created_at)
		VALUES ('n2', 'u1', 'k', 'm', '2026-01-01T00:01:00.000Z')
	`)
	require.NoError(t, err)

	a.RunOnce(context.Background())

	require.Len(t, up.uploads, 2)

	var watermark string
	require.NoError(t, db.Conn().QueryRow(`SELECT last_archived_at FROM archive_checkpoints WHERE table_name = 'notifications'`).Scan(&watermark))
	assert.Equal(t, "2", watermark)
}

func TestCheckpoint_DefaultsToZeroWhenNoRowExists(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	defer cleanup()

	a := &Archiver{db: db.Conn(), bucket: "test-bucket", log: zerolog.Nop()}
	watermark, err := a.checkpoint(context.Background(), "notifications")
	require.NoError(t, err)
	assert.Equal(t, "0", watermark)
}
