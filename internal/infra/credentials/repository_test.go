package credentials_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/credentials"
)

func TestOpen_MissingFileWritesSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")

	repo, err := credentials.Open(path, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, repo.List())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Format: username,password,api_key")

	reopened, err := credentials.Open(path, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, reopened.List(), "sample lines are comments")
}

func TestOpen_ParsesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	content := "# comment\n\n alice , pw1 , sk-a \nbob,pw2\nbroken-line\nalice,dup\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	repo, err := credentials.Open(path, zap.NewNop())
	require.NoError(t, err)

	accs := repo.List()
	require.Len(t, accs, 2)
	assert.Equal(t, domain.Account{Username: "alice", Password: "pw1", APIKey: "sk-a"}, accs[0])
	assert.Equal(t, domain.Account{Username: "bob", Password: "pw2"}, accs[1])
	assert.False(t, accs[1].HasAPIKey())
}

func TestRepository_AddUpdateRemovePersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	repo, err := credentials.Open(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, repo.Add(domain.Account{Username: "alice", Password: "pw"}))
	require.NoError(t, repo.Add(domain.Account{Username: "bob", Password: "pw", APIKey: "sk-b"}))

	var conflict *domain.ErrConflict
	assert.True(t, errors.As(repo.Add(domain.Account{Username: "alice", Password: "x"}), &conflict))

	key := " sk-new "
	require.NoError(t, repo.Update("alice", nil, &key))

	var notFound *domain.ErrNotFound
	assert.True(t, errors.As(repo.Update("carol", nil, &key), &notFound))

	require.NoError(t, repo.Remove("bob"))
	assert.True(t, errors.As(repo.Remove("bob"), &notFound))

	reopened, err := credentials.Open(path, zap.NewNop())
	require.NoError(t, err)
	got, ok := reopened.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "sk-new", got.APIKey)
	assert.Equal(t, "pw", got.Password)
	_, ok = reopened.Get("bob")
	assert.False(t, ok)
}

func TestRepository_RejectsUnrepresentableValues(t *testing.T) {
	repo, err := credentials.Open(filepath.Join(t.TempDir(), "c.txt"), zap.NewNop())
	require.NoError(t, err)

	var invalid *domain.ErrValidation
	assert.True(t, errors.As(repo.Add(domain.Account{Username: "a,b", Password: "pw"}), &invalid))
	assert.True(t, errors.As(repo.Add(domain.Account{Username: "", Password: "pw"}), &invalid))
	assert.True(t, errors.As(repo.Add(domain.Account{Username: "#x", Password: "pw"}), &invalid))
	assert.Empty(t, repo.List())
}
