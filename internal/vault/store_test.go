package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amanthanvi/credstore/internal/audit"
	"github.com/amanthanvi/credstore/internal/crypto"
	"github.com/stretchr/testify/require"
)

const testPassphrase = "correct-horse-battery-staple"

func TestUnlockCreateReadByIDScenario(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, tempStorePath(t))
	ctx := context.Background()

	require.NoError(t, store.Unlock(ctx, []byte(testPassphrase)))
	id, err := store.Create(ctx, NewCredential{
		Website:  "example.com",
		Username: "alice",
		Secret:   []byte("s3cr3t"),
		Comment:  []byte(""),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	cred, err := store.ReadByID(ctx, 1)
	require.NoError(t, err)
	defer cred.Wipe()
	require.Equal(t, "example.com", cred.Website)
	require.Equal(t, "alice", cred.Username)
	require.Equal(t, "s3cr3t", string(cred.Secret))
	require.Empty(t, cred.Comment)
	require.Equal(t, uint64(1), cred.Version)
	require.False(t, cred.CreatedAt.IsZero())
}

func TestFirstUnlockRejectsWeakPassphrase(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, tempStorePath(t))
	ctx := context.Background()

	err := store.Unlock(ctx, []byte("short"))
	require.ErrorIs(t, err, ErrWeakPassphrase)
	require.False(t, store.IsInitialized())
	require.False(t, store.IsUnlocked())

	err = store.Init(ctx, []byte("also-short"))
	require.ErrorIs(t, err, ErrWeakPassphrase)
}

func TestInitRefusesInitializedStore(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, tempStorePath(t))
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, []byte(testPassphrase)))
	require.True(t, store.IsUnlocked())
	require.NotEmpty(t, store.StoreID())

	err := store.Init(ctx, []byte(testPassphrase))
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestUnlockWrongPassphraseIsIntegrityFailure(t *testing.T) {
	t.Parallel()

	path := tempStorePath(t)
	ctx := context.Background()

	first := openTestStore(t, path)
	require.NoError(t, first.Unlock(ctx, []byte(testPassphrase)))
	_, err := first.Create(ctx, testCredential("example.com"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openTestStore(t, path)
	err = second.Unlock(ctx, []byte("battery-staple-correct-horse"))
	require.ErrorIs(t, err, ErrIntegrity)
	require.False(t, second.IsUnlocked())

	require.NoError(t, second.Unlock(ctx, []byte(testPassphrase)))
	all, err := second.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all.Records, 1)
}

func TestWrongPassphraseRelocksUnlockedStore(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()
	_, err := store.Create(ctx, testCredential("example.com"))
	require.NoError(t, err)

	err = store.Unlock(ctx, []byte("battery-staple-correct-horse"))
	require.ErrorIs(t, err, ErrWrongPassphrase)
	require.False(t, store.IsUnlocked())
	_, err = store.ReadAll(ctx)
	require.ErrorIs(t, err, ErrLocked)
}

func TestUnlockIgnoresRaisedMinimumForExistingStore(t *testing.T) {
	t.Parallel()

	path := tempStorePath(t)
	ctx := context.Background()

	first := openTestStore(t, path)
	require.NoError(t, first.Unlock(ctx, []byte(testPassphrase)))
	require.NoError(t, first.Close())

	params := testKDF()
	params.MinPassphraseLen = 64
	second, err := Open(ctx, Options{Path: path, KDF: params})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	require.NoError(t, second.Unlock(ctx, []byte(testPassphrase)))
}

func TestLockedStoreRefusesRecordAccess(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, tempStorePath(t))
	ctx := context.Background()

	_, err := store.ReadAll(ctx)
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, store.Unlock(ctx, []byte(testPassphrase)))
	id, err := store.Create(ctx, testCredential("example.com"))
	require.NoError(t, err)

	store.Lock()
	require.False(t, store.IsUnlocked())

	_, err = store.Create(ctx, testCredential("example.org"))
	require.ErrorIs(t, err, ErrLocked)
	_, err = store.ReadAll(ctx)
	require.ErrorIs(t, err, ErrLocked)
	_, err = store.ReadByID(ctx, id)
	require.ErrorIs(t, err, ErrLocked)
	require.ErrorIs(t, store.Update(ctx, id, Fields{Secret: []byte("x")}), ErrLocked)
	require.ErrorIs(t, store.Delete(ctx, id), ErrLocked)
	_, err = store.VerifyAll(ctx)
	require.ErrorIs(t, err, ErrLocked)
}

func TestReadAllReturnsRecordsInIDOrder(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	sites := []string{"b.example", "a.example", "c.example"}
	for _, site := range sites {
		_, err := store.Create(ctx, NewCredential{
			Website:  site,
			Username: "user@" + site,
			Secret:   []byte("pw-" + site),
			Comment:  []byte("note for " + site),
		})
		require.NoError(t, err)
	}

	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	defer all.Wipe()
	require.Empty(t, all.Corrupt)
	require.Len(t, all.Records, 3)
	for i, rec := range all.Records {
		require.Equal(t, int64(i+1), rec.ID)
		require.Equal(t, sites[i], rec.Website)
		require.Equal(t, "user@"+sites[i], rec.Username)
		require.Equal(t, "pw-"+sites[i], string(rec.Secret))
		require.Equal(t, "note for "+sites[i], string(rec.Comment))
	}
}

func TestCreateValidatesMetadata(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, NewCredential{Website: "", Username: "alice", Secret: []byte("x")})
	require.ErrorIs(t, err, ErrValidation)
	_, err = store.Create(ctx, NewCredential{Website: "example.com", Username: "  ", Secret: []byte("x")})
	require.ErrorIs(t, err, ErrValidation)

	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all.Records)
}

func TestMissingIDsAreNotFound(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	_, err := store.ReadByID(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Update(ctx, 42, Fields{Secret: []byte("x")}), ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, 42), ErrNotFound)
}

func TestIDsAreNeverReused(t *testing.T) {
	t.Parallel()

	path := tempStorePath(t)
	store := openTestStore(t, path)
	ctx := context.Background()
	require.NoError(t, store.Unlock(ctx, []byte(testPassphrase)))

	first, err := store.Create(ctx, testCredential("one.example"))
	require.NoError(t, err)
	second, err := store.Create(ctx, testCredential("two.example"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, second))

	third, err := store.Create(ctx, testCredential("three.example"))
	require.NoError(t, err)
	require.Greater(t, third, second)
	require.Greater(t, second, first)

	require.NoError(t, store.Delete(ctx, third))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path)
	require.NoError(t, reopened.Unlock(ctx, []byte(testPassphrase)))
	fourth, err := reopened.Create(ctx, testCredential("four.example"))
	require.NoError(t, err)
	require.Greater(t, fourth, third)

	_, err = reopened.ReadByID(ctx, second)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateUsesFreshNonceAndBumpsVersion(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testCredential("example.com"))
	require.NoError(t, err)

	const writes = 25
	seen := map[string]struct{}{}
	row, err := store.db.GetCredential(ctx, id)
	require.NoError(t, err)
	seen[string(row.Nonce)] = struct{}{}

	for i := 0; i < writes; i++ {
		require.NoError(t, store.Update(ctx, id, Fields{Secret: []byte(fmt.Sprintf("secret-%d", i))}))
		row, err := store.db.GetCredential(ctx, id)
		require.NoError(t, err)
		_, dup := seen[string(row.Nonce)]
		require.Falsef(t, dup, "nonce repeated on write %d", i)
		seen[string(row.Nonce)] = struct{}{}
	}

	cred, err := store.ReadByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(writes+1), cred.Version)
	require.Equal(t, fmt.Sprintf("secret-%d", writes-1), string(cred.Secret))
}

func TestUpdateMergesFields(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, NewCredential{
		Website:  "example.com",
		Username: "alice",
		Secret:   []byte("s3cr3t"),
		Comment:  []byte("recovery codes in drawer"),
	})
	require.NoError(t, err)

	username := "alice.smith"
	require.NoError(t, store.Update(ctx, id, Fields{Username: &username}))

	cred, err := store.ReadByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "example.com", cred.Website)
	require.Equal(t, "alice.smith", cred.Username)
	require.Equal(t, "s3cr3t", string(cred.Secret))
	require.Equal(t, "recovery codes in drawer", string(cred.Comment))

	require.NoError(t, store.Update(ctx, id, Fields{Comment: []byte{}}))
	cred, err = store.ReadByID(ctx, id)
	require.NoError(t, err)
	require.Empty(t, cred.Comment)
	require.Equal(t, "s3cr3t", string(cred.Secret))

	require.ErrorIs(t, store.Update(ctx, id, Fields{}), ErrValidation)
	empty := ""
	require.ErrorIs(t, store.Update(ctx, id, Fields{Website: &empty}), ErrValidation)

	cred, err = store.ReadByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(3), cred.Version)
}

func TestReadAllFlagsCorruptRecordAndReturnsTheRest(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := store.Create(ctx, testCredential(fmt.Sprintf("site%d.example", i)))
		require.NoError(t, err)
	}
	flipStoredBit(t, store, 3, "tag", 0)

	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all.Records, 4)
	require.Len(t, all.Corrupt, 1)
	require.Equal(t, int64(3), all.Corrupt[0].ID)
	require.ErrorIs(t, all.Corrupt[0], ErrIntegrity)
	for _, rec := range all.Records {
		require.NotEqual(t, int64(3), rec.ID)
	}

	_, err = store.ReadByID(ctx, 3)
	require.ErrorIs(t, err, ErrIntegrity)
	require.NotErrorIs(t, err, ErrNotFound)

	results, err := store.VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, result := range results {
		if result.ID == 3 {
			require.False(t, result.OK())
			require.ErrorIs(t, result.Err, ErrIntegrity)
			continue
		}
		require.True(t, result.OK(), "record %d", result.ID)
	}
}

func TestReadAllFlagsRecordWithUnreadableColumns(t *testing.T) {
	t.Parallel()

	damage := map[string]string{
		"created_at": `UPDATE credentials SET created_at = 'garbage' WHERE id = 3`,
		"updated_at": `UPDATE credentials SET updated_at = '' WHERE id = 3`,
		"version":    `UPDATE credentials SET version = 'not-a-number' WHERE id = 3`,
	}
	for name, stmt := range damage {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := unlockedTestStore(t)
			ctx := context.Background()
			for i := 1; i <= 5; i++ {
				_, err := store.Create(ctx, testCredential(fmt.Sprintf("site%d.example", i)))
				require.NoError(t, err)
			}
			_, err := store.db.DB().Exec(stmt)
			require.NoError(t, err)

			all, err := store.ReadAll(ctx)
			require.NoError(t, err)
			require.Len(t, all.Records, 4)
			require.Len(t, all.Corrupt, 1)
			require.Equal(t, int64(3), all.Corrupt[0].ID)
			require.ErrorIs(t, all.Corrupt[0], ErrIntegrity)

			found, err := store.Search(ctx, "site")
			require.NoError(t, err)
			require.Len(t, found.Records, 4)
			require.Len(t, found.Corrupt, 1)

			_, err = store.ReadByID(ctx, 3)
			require.ErrorIs(t, err, ErrIntegrity)

			results, err := store.VerifyAll(ctx)
			require.NoError(t, err)
			require.Len(t, results, 5)
			for _, result := range results {
				require.Equalf(t, result.ID != 3, result.OK(), "record %d", result.ID)
			}

			secret := []byte("rotated")
			err = store.Update(ctx, 3, Fields{Secret: secret})
			require.ErrorIs(t, err, ErrIntegrity)
		})
	}
}

func TestTamperedStoredFieldsAreDetected(t *testing.T) {
	t.Parallel()

	for _, column := range []string{"nonce", "ciphertext", "tag"} {
		column := column
		t.Run(column, func(t *testing.T) {
			t.Parallel()

			store := unlockedTestStore(t)
			ctx := context.Background()
			id, err := store.Create(ctx, testCredential("example.com"))
			require.NoError(t, err)

			flipStoredBit(t, store, id, column, 5)
			_, err = store.ReadByID(ctx, id)
			require.ErrorIs(t, err, ErrIntegrity)
		})
	}

	t.Run("metadata", func(t *testing.T) {
		t.Parallel()

		store := unlockedTestStore(t)
		ctx := context.Background()
		id, err := store.Create(ctx, testCredential("example.com"))
		require.NoError(t, err)

		_, err = store.db.DB().Exec(`UPDATE credentials SET website = ? WHERE id = ?`, "evil.example", id)
		require.NoError(t, err)
		_, err = store.ReadByID(ctx, id)
		require.ErrorIs(t, err, ErrIntegrity)

		_, err = store.db.DB().Exec(`UPDATE credentials SET website = ?, version = version + 1 WHERE id = ?`, "example.com", id)
		require.NoError(t, err)
		_, err = store.ReadByID(ctx, id)
		require.ErrorIs(t, err, ErrIntegrity)
	})
}

func TestUpdateOfCorruptRecordFailsAndLeavesRowUntouched(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testCredential("example.com"))
	require.NoError(t, err)
	flipStoredBit(t, store, id, "ciphertext", 0)

	before, err := store.db.GetCredential(ctx, id)
	require.NoError(t, err)

	err = store.Update(ctx, id, Fields{Secret: []byte("replacement")})
	require.ErrorIs(t, err, ErrIntegrity)

	after, err := store.db.GetCredential(ctx, id)
	require.NoError(t, err)
	require.Equal(t, before.Nonce, after.Nonce)
	require.Equal(t, before.Ciphertext, after.Ciphertext)
	require.Equal(t, before.Version, after.Version)
}

func TestSearchMatchesWebsiteAndUsername(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, NewCredential{Website: "GitHub.com", Username: "alice", Secret: []byte("a")})
	require.NoError(t, err)
	_, err = store.Create(ctx, NewCredential{Website: "bank.example", Username: "alice_h", Secret: []byte("b")})
	require.NoError(t, err)
	_, err = store.Create(ctx, NewCredential{Website: "mail.example", Username: "bob", Secret: []byte("c")})
	require.NoError(t, err)

	found, err := store.Search(ctx, "github")
	require.NoError(t, err)
	require.Len(t, found.Records, 1)
	require.Equal(t, "a", string(found.Records[0].Secret))

	found, err = store.Search(ctx, "ALICE")
	require.NoError(t, err)
	require.Len(t, found.Records, 2)

	found, err = store.Search(ctx, "nothing-here")
	require.NoError(t, err)
	require.Empty(t, found.Records)

	_, err = store.Search(ctx, "   ")
	require.ErrorIs(t, err, ErrValidation)
}

func TestChangePassphraseReencryptsEveryRecord(t *testing.T) {
	t.Parallel()

	path := tempStorePath(t)
	store := openTestStore(t, path)
	ctx := context.Background()
	require.NoError(t, store.Unlock(ctx, []byte(testPassphrase)))

	ids := make([]int64, 0, 3)
	oldNonces := map[int64][]byte{}
	for i := 0; i < 3; i++ {
		id, err := store.Create(ctx, testCredential(fmt.Sprintf("site%d.example", i)))
		require.NoError(t, err)
		row, err := store.db.GetCredential(ctx, id)
		require.NoError(t, err)
		ids = append(ids, id)
		oldNonces[id] = row.Nonce
	}

	err := store.ChangePassphrase(ctx, []byte("not-the-passphrase"), []byte("a-brand-new-passphrase"))
	require.ErrorIs(t, err, ErrIntegrity)
	err = store.ChangePassphrase(ctx, []byte(testPassphrase), []byte("short"))
	require.ErrorIs(t, err, ErrWeakPassphrase)

	require.NoError(t, store.ChangePassphrase(ctx, []byte(testPassphrase), []byte("a-brand-new-passphrase")))
	require.True(t, store.IsUnlocked())

	for _, id := range ids {
		row, err := store.db.GetCredential(ctx, id)
		require.NoError(t, err)
		require.False(t, bytes.Equal(oldNonces[id], row.Nonce))
	}
	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all.Records, 3)
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path)
	require.ErrorIs(t, reopened.Unlock(ctx, []byte(testPassphrase)), ErrIntegrity)
	require.NoError(t, reopened.Unlock(ctx, []byte("a-brand-new-passphrase")))
	all, err = reopened.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all.Records, 3)
	require.Empty(t, all.Corrupt)
	require.Equal(t, "secret-site0.example", string(all.Records[0].Secret))
}

func TestChangePassphraseAbortsOnCorruptRecord(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, testCredential("one.example"))
	require.NoError(t, err)
	bad, err := store.Create(ctx, testCredential("two.example"))
	require.NoError(t, err)
	flipStoredBit(t, store, bad, "tag", 3)

	err = store.ChangePassphrase(ctx, []byte(testPassphrase), []byte("a-brand-new-passphrase"))
	require.ErrorIs(t, err, ErrIntegrity)

	var recErr RecordError
	require.True(t, errors.As(err, &recErr))
	require.Equal(t, bad, recErr.ID)

	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all.Records, 1)
}

func TestBackupOpensWithSamePassphrase(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testCredential("example.com"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, store.Backup(ctx, dest))
	require.ErrorIs(t, store.Backup(ctx, dest), ErrIO)

	copyStore := openTestStore(t, dest)
	require.Equal(t, store.StoreID(), copyStore.StoreID())
	require.NoError(t, copyStore.Unlock(ctx, []byte(testPassphrase)))
	cred, err := copyStore.ReadByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "secret-example.com", string(cred.Secret))
}

func TestCanceledContextIsIOFailure(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Create(ctx, testCredential("example.com"))
	require.ErrorIs(t, err, ErrIO)
	_, err = store.ReadAll(ctx)
	require.ErrorIs(t, err, ErrIO)
}

func TestSecondOpenOfSameStoreFails(t *testing.T) {
	t.Parallel()

	path := tempStorePath(t)
	_ = openTestStore(t, path)

	_, err := Open(context.Background(), Options{Path: path, KDF: testKDF()})
	require.ErrorIs(t, err, ErrIO)
}

func TestClosedStoreRefusesOperations(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.ReadAll(ctx)
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, store.Unlock(ctx, []byte(testPassphrase)), ErrIO)
}

func TestLockWaitIsBoundedByIOTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := Open(ctx, Options{Path: tempStorePath(t), IOTimeout: 50 * time.Millisecond, KDF: testKDF()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Unlock(ctx, []byte(testPassphrase)))
	_, err = store.Create(ctx, testCredential("example.com"))
	require.NoError(t, err)

	release := store.gate.hold(gateWeight)
	start := time.Now()
	_, err = store.ReadAll(ctx)
	require.ErrorIs(t, err, ErrIO)
	require.Less(t, time.Since(start), 2*time.Second)
	_, err = store.Create(ctx, testCredential("example.org"))
	require.ErrorIs(t, err, ErrIO)
	release()

	readRelease, err := store.readLock(ctx)
	require.NoError(t, err)
	_, err = store.ReadAll(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, store.Delete(ctx, 1), ErrIO)
	readRelease()

	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all.Records, 1)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	errCh := make(chan error, writers*perWriter*2)
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := store.Create(ctx, testCredential(fmt.Sprintf("w%d-%d.example", w, i)))
				if err != nil {
					errCh <- err
					continue
				}
				if err := store.Update(ctx, id, Fields{Secret: []byte("rotated")}); err != nil {
					errCh <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				all, err := store.ReadAll(ctx)
				if err != nil {
					errCh <- err
					continue
				}
				if len(all.Corrupt) != 0 {
					errCh <- fmt.Errorf("reader saw %d corrupt records", len(all.Corrupt))
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	all, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all.Records, writers*perWriter)
	seen := map[int64]struct{}{}
	for _, rec := range all.Records {
		_, dup := seen[rec.ID]
		require.False(t, dup)
		seen[rec.ID] = struct{}{}
		require.Equal(t, "rotated", string(rec.Secret))
	}
}

func TestOperationsAreAudited(t *testing.T) {
	t.Parallel()

	store := unlockedTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testCredential("example.com"))
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, id, Fields{Secret: []byte("new")}))
	require.NoError(t, store.Delete(ctx, id))

	verify, err := store.Audit().Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Equal(t, 4, verify.EventCount)

	events, err := store.Audit().List(ctx, audit.Filter{TargetID: formatID(id)})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, event := range events {
		require.NotContains(t, event.DetailsJSON, "secret-example.com")
	}
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), Options{Path: path, KDF: testKDF()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func unlockedTestStore(t *testing.T) *Store {
	t.Helper()
	store := openTestStore(t, tempStorePath(t))
	require.NoError(t, store.Unlock(context.Background(), []byte(testPassphrase)))
	return store
}

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "credentials.db")
}

func testKDF() crypto.Argon2Params {
	return crypto.Argon2Params{
		Memory:           crypto.MinArgon2MemoryKiB,
		Iterations:       1,
		Parallelism:      1,
		SaltLen:          16,
		KeyLen:           crypto.DefaultArgon2KeyLen,
		MinPassphraseLen: crypto.DefaultMinPassphraseLen,
	}
}

func testCredential(site string) NewCredential {
	return NewCredential{
		Website:  site,
		Username: "alice",
		Secret:   []byte("secret-" + site),
	}
}

// flipStoredBit corrupts one bit of a sealed column directly in the database.
func flipStoredBit(t *testing.T, store *Store, id int64, column string, bit int) {
	t.Helper()

	var value []byte
	err := store.db.DB().QueryRow(`SELECT `+column+` FROM credentials WHERE id = ?`, id).Scan(&value)
	require.NoError(t, err)
	require.Greater(t, len(value)*8, bit)
	value[bit/8] ^= 1 << (bit % 8)
	_, err = store.db.DB().Exec(`UPDATE credentials SET `+column+` = ? WHERE id = ?`, value, id)
	require.NoError(t, err)
}
