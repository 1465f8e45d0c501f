package mddict

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/NSLS-II/nslsii-go/encdec"
	"github.com/NSLS-II/nslsii-go/internal/maputil"
)

const maxSetAllRetries = 3

// FileDict is a file-backed, thread-safe metadata dictionary.
// One FileDict typically holds the live metadata of a beamline or of a single
// scan: cycle, data_session, scan_id and whatever else the acquisition layer
// wants to persist alongside them.
type FileDict struct {
	filename    string
	data        map[string]any
	defaultData map[string]any
	mu          sync.RWMutex

	// Snapshot for optimistic CAS (nil = unknown).
	lastStat        os.FileInfo
	fileCodec       encdec.ValueCodec
	autoFlush       bool
	createIfMissing bool

	valueCodecFor ValueCodecGetter
	keyCodecFor   KeyCodecGetter
	listeners     []Listener
}

// FileDictOption defines a function type that applies a configuration option to the FileDict.
type FileDictOption func(*FileDict)

// WithFileCodec sets a custom codec for the backing file. JSON by default.
func WithFileCodec(codec encdec.ValueCodec) FileDictOption {
	return func(d *FileDict) {
		d.fileCodec = codec
	}
}

// WithAutoFlush sets the AutoFlush option.
func WithAutoFlush(autoFlush bool) FileDictOption {
	return func(d *FileDict) {
		d.autoFlush = autoFlush
	}
}

// WithValueCodecGetter registers the caller's value codec handler callback.
func WithValueCodecGetter(getter ValueCodecGetter) FileDictOption {
	return func(d *FileDict) {
		d.valueCodecFor = getter
	}
}

// WithKeyCodecGetter registers the caller's key codec handler callback.
func WithKeyCodecGetter(getter KeyCodecGetter) FileDictOption {
	return func(d *FileDict) {
		d.keyCodecFor = getter
	}
}

// WithCreateIfMissing sets the option to create the file if it does not exist.
func WithCreateIfMissing(createIfMissing bool) FileDictOption {
	return func(d *FileDict) {
		d.createIfMissing = createIfMissing
	}
}

// WithListeners registers one or more listeners during dictionary creation.
func WithListeners(ls ...Listener) FileDictOption {
	return func(d *FileDict) { d.listeners = append(d.listeners, ls...) }
}

// NewFileDict initializes a new FileDict.
// If the file does not exist and createIfMissing is false, it returns an error.
func NewFileDict(
	filename string,
	defaultData map[string]any,
	opts ...FileDictOption,
) (*FileDict, error) {
	d := &FileDict{
		data:        make(map[string]any),
		defaultData: defaultData,
		filename:    filepath.Clean(filename),
		autoFlush:   true,
		fileCodec:   encdec.JSONCodec{},
	}

	for _, opt := range opts {
		opt(d)
	}
	if d.fileCodec == nil {
		return nil, errors.New("invalid file codec")
	}

	if err := d.createFileIfMissing(filename); err != nil {
		return nil, err
	}

	if err := d.load(); err != nil {
		return nil, err
	}

	if err := d.rememberStat(); err != nil {
		// File disappeared between load and stat, extremely unlikely.
		return nil, err
	}

	return d, nil
}

// Lookup returns a deep copy of the top-level value stored under key.
// It is the metadata view the path providers read from.
func (d *FileDict) Lookup(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[key]
	if !ok {
		return nil, false
	}
	return maputil.DeepCopyValue(v), true
}

// Flush writes the current data to the file. No event is emitted for flush.
func (d *FileDict) Flush() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flushUnlocked()
}

// Reset restores the dictionary to its default data.
func (d *FileDict) Reset() error {
	copyAfter, err := d.reset()
	if err != nil {
		return err
	}
	fireEvent(d.listeners, Event{
		Op:        OpReset,
		Source:    d.filename,
		Data:      copyAfter,
		Timestamp: time.Now(),
	})

	return nil
}

// GetAll returns a copy of all data in the dictionary, refreshing from the file first.
func (d *FileDict) GetAll(forceFetch bool) (map[string]any, error) {
	if forceFetch {
		stat, err := os.Stat(d.filename)
		if err != nil {
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		if !sameFileInfo(stat, d.lastStat) {
			if err := d.load(); err != nil {
				return nil, fmt.Errorf("failed to reload file: %w", err)
			}
		}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	dataCopy := make(map[string]any)
	maps.Copy(dataCopy, d.data)
	return dataCopy, nil
}

// SetAll overwrites all data in the dictionary with the provided data.
// It retries automatically if another writer wins the race and flushUnlocked returns ErrConflict.
func (d *FileDict) SetAll(data map[string]any) error {
	if data == nil {
		return errors.New("SetAll: nil data")
	}

	var (
		copyAfter map[string]any
		err       error
	)

	for attempt := 0; attempt < maxSetAllRetries; attempt++ {
		copyAfter, err = d.setAll(data)
		if err == nil {
			fireEvent(d.listeners, Event{
				Op:        OpSetAll,
				Source:    d.filename,
				Data:      copyAfter,
				Timestamp: time.Now(),
			})
			return nil
		}

		// Any error that isn't ErrConflict is fatal.
		if !errors.Is(err, ErrConflict) {
			return err
		}

		// ErrConflict - reload latest on-disk state so that d.lastStat is refreshed, then retry.
		if loadErr := d.load(); loadErr != nil {
			return fmt.Errorf("SetAll conflict reload failed: %w", loadErr)
		}
	}

	return fmt.Errorf("SetAll: %w after %d retries", ErrConflict, maxSetAllRetries)
}

// GetKey retrieves the value associated with the given key path.
func (d *FileDict) GetKey(ctx context.Context, keys []string) (any, error) {
	if len(keys) == 0 {
		return nil, errors.New("cannot get value at root")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	val, err := maputil.GetValueAtPath(d.data, keys)
	if err != nil {
		return nil, err
	}
	return maputil.DeepCopyValue(val), nil
}

// SetKey sets the value for the given key path.
func (d *FileDict) SetKey(ctx context.Context, keys []string, value any) error {
	oldVal, copyAfter, err := d.setKey(keys, value)
	if err != nil {
		return err
	}
	fireEvent(d.listeners, Event{
		Op:        OpSetKey,
		Source:    d.filename,
		Keys:      slices.Clone(keys),
		OldValue:  maputil.DeepCopyValue(oldVal),
		NewValue:  maputil.DeepCopyValue(value),
		Data:      copyAfter,
		Timestamp: time.Now(),
	})
	return nil
}

// DeleteKey deletes the value associated with the given key path.
func (d *FileDict) DeleteKey(ctx context.Context, keys []string) error {
	oldVal, copyAfter, err := d.deleteKey(keys)
	if err != nil {
		return err
	}
	fireEvent(d.listeners, Event{
		Op:        OpDeleteKey,
		Source:    d.filename,
		Keys:      slices.Clone(keys),
		OldValue:  maputil.DeepCopyValue(oldVal),
		NewValue:  nil,
		Data:      copyAfter,
		Timestamp: time.Now(),
	})
	return nil
}

// DeleteFile removes the backing file atomically, emits an OpDelete event and clears lastStat.
// Returns ErrConflict if the file changed since we last observed it.
func (d *FileDict) DeleteFile() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastStat != nil {
		if cur, err := os.Stat(d.filename); err == nil {
			if !sameFileInfo(cur, d.lastStat) {
				return ErrConflict
			}
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	if err := os.Remove(d.filename); err != nil && !os.IsNotExist(err) {
		return err
	}

	d.lastStat = nil
	d.data = make(map[string]any)

	fireEvent(d.listeners, Event{
		Op:        OpDelete,
		Source:    d.filename,
		Timestamp: time.Now(),
	})
	return nil
}

func (d *FileDict) Close() error {
	// Should not flush here as file may be deleted.
	return nil
}

func (d *FileDict) setAll(data map[string]any) (copyAfter map[string]any, err error) {
	if data == nil {
		return nil, errors.New("SetAll: nil data")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Deep copy the input data to prevent external modifications after setting.
	d.data = make(map[string]any)
	maps.Copy(d.data, data)
	copyAfter, _ = maputil.DeepCopyValue(d.data).(map[string]any)

	if d.autoFlush {
		if err = d.flushUnlocked(); err != nil {
			return nil, fmt.Errorf("failed to save data after SetAll: %w", err)
		}
	}
	return copyAfter, nil
}

func (d *FileDict) reset() (copyAfter map[string]any, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.data = make(map[string]any)
	maps.Copy(d.data, d.defaultData)
	copyAfter, _ = maputil.DeepCopyValue(d.data).(map[string]any)

	if err = d.flushUnlocked(); err != nil {
		return nil, fmt.Errorf("failed to save data after Reset: %w", err)
	}
	return copyAfter, nil
}

func (d *FileDict) setKey(
	keys []string,
	value any,
) (oldVal any, copyAfter map[string]any, err error) {
	if len(keys) == 0 {
		return nil, nil, errors.New("cannot set value at root")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	oldVal, _ = maputil.GetValueAtPath(d.data, keys)
	if err := maputil.SetValueAtPath(d.data, keys, value); err != nil {
		return nil, nil, fmt.Errorf("failed to set value at key %v: %w", keys, err)
	}
	copyAfter, _ = maputil.DeepCopyValue(d.data).(map[string]any)
	if d.autoFlush {
		if err := d.flushUnlocked(); err != nil {
			return nil, nil, fmt.Errorf(
				"failed to save data after SetKey for keys %v: %w",
				keys,
				err,
			)
		}
	}
	return oldVal, copyAfter, nil
}

func (d *FileDict) deleteKey(
	keys []string,
) (oldVal any, copyAfter map[string]any, err error) {
	if len(keys) == 0 {
		return nil, nil, errors.New("cannot delete value at root")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	oldVal, _ = maputil.GetValueAtPath(d.data, keys)

	if err := maputil.DeleteValueAtPath(d.data, keys); err != nil {
		return nil, nil, fmt.Errorf("failed to delete key %v: %w", keys, err)
	}
	copyAfter, _ = maputil.DeepCopyValue(d.data).(map[string]any)

	if d.autoFlush {
		if err := d.flushUnlocked(); err != nil {
			return nil, nil, fmt.Errorf(
				"failed to save data after DeleteKey for key %v: %w",
				keys,
				err,
			)
		}
	}
	return oldVal, copyAfter, nil
}

// createFileIfMissing checks if a file exists and creates it if it doesn't.
func (d *FileDict) createFileIfMissing(filename string) error {
	if _, err := os.Stat(filename); err == nil {
		// File exists, nothing to do.
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat file %s: %w", filename, err)
	}

	if !d.createIfMissing {
		return fmt.Errorf("file %s does not exist", filename)
	}

	// Try to create the file atomically.
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
	if err != nil {
		if os.IsExist(err) {
			// Someone else created it first, nothing to do.
			return nil
		}
		return fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	// We just wanted to create the file, not write to it directly.
	f.Close()

	// Seed the new dictionary with the default data.
	d.data = make(map[string]any)
	maps.Copy(d.data, d.defaultData)

	if err := d.flushUnlocked(); err != nil {
		return fmt.Errorf("failed to flush file %s: %w", filename, err)
	}

	return nil
}

// load the data from the file into the in-memory dictionary.
func (d *FileDict) load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(d.filename)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", d.filename, err)
	}
	defer f.Close()

	d.data = make(map[string]any)
	if err := d.fileCodec.Decode(f, &d.data); err != nil {
		return fmt.Errorf("failed to decode data from file %s: %w", d.filename, err)
	}

	// Process in place for load as loaded data should hold plain keys and values.
	// First process keys in decode mode.
	encodeMode := false
	err = applyKeyCodecs(d.data, []string{}, d.keyCodecFor, encodeMode)
	if err != nil {
		return err
	}

	// Then process values in decode mode.
	newObj, err := applyValueCodecs(
		d.data,
		[]string{},
		d.valueCodecFor,
		encodeMode,
	)
	if err != nil {
		return err
	}
	d.data, _ = newObj.(map[string]any)

	return d.rememberStat()
}

func (d *FileDict) flushUnlocked() error {
	// Work on a deep copy so the in-memory dictionary stays plain.
	encodeMode := true
	dataCopy, _ := maputil.DeepCopyValue(d.data).(map[string]any)

	// Encode values first so that all keys from memory are still unmutated.
	tmpd, err := applyValueCodecs(
		dataCopy,
		[]string{},
		d.valueCodecFor,
		encodeMode,
	)
	if err != nil {
		return err
	}
	dataCopy, _ = tmpd.(map[string]any)

	// Encode keys next, so that on disk device or proposal names become base64, etc.
	err = applyKeyCodecs(dataCopy, []string{}, d.keyCodecFor, encodeMode)
	if err != nil {
		return err
	}

	if d.lastStat != nil {
		// Optimistic CAS check.
		if cur, err := os.Stat(d.filename); err == nil {
			if !sameFileInfo(cur, d.lastStat) {
				return ErrConflict
			}
			f, permErr := os.OpenFile(d.filename, os.O_WRONLY, 0)
			if permErr != nil {
				return permErr
			}
			f.Close()
		} else if !os.IsNotExist(err) {
			return err
		} else {
			// File vanished, treat as conflict.
			return ErrConflict
		}
	}

	if err := os.MkdirAll(filepath.Dir(d.filename), 0o770); err != nil {
		return fmt.Errorf(
			"failed to ensure directory for file %s for flush: %w",
			d.filename,
			err,
		)
	}
	tmpName := fmt.Sprintf("%s.tmp-%d", d.filename, time.Now().UnixNano())
	tmpFile, err := os.Create(tmpName)
	if err != nil {
		return fmt.Errorf("failed to open file %s for flush: %w", d.filename, err)
	}
	if err := d.fileCodec.Encode(tmpFile, dataCopy); err != nil {
		tmpFile.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to encode data to file %s: %w", d.filename, err)
	}
	tmpFile.Close()
	if d.lastStat != nil {
		_ = os.Chmod(tmpName, d.lastStat.Mode().Perm())
	}

	if err := os.Rename(tmpName, d.filename); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return d.rememberStat()
}

func (d *FileDict) rememberStat() error {
	st, err := os.Stat(d.filename)
	if err != nil {
		// Caller decides whether ENOENT is fatal.
		return err
	}
	d.lastStat = st
	return nil
}

// If "KeyCodecGetter(pathSoFar)" returns a KeyCodec, it renames all immediate sub-keys using Encode()
// or Decode() depending on the mode. Then it recurses into each sub-value with an updated path.
func applyKeyCodecs(
	currentMap map[string]any,
	pathSoFar []string,
	keyCodecFor KeyCodecGetter,
	encodeMode bool,
) error {
	if keyCodecFor == nil {
		return nil
	}

	// 1) Collect all needed renames for *this* level.
	//    We don't mutate the map while iterating. We'll rename afterwards.
	var renames []struct {
		oldKey, newKey string
		val            any
	}

	for k, v := range currentMap {
		newPath := slices.Clone(pathSoFar)
		newPath = append(newPath, k)
		if keyCodec := keyCodecFor(newPath); keyCodec != nil {
			if encodeMode {
				newK := keyCodec.Encode(k)
				if newK != k {
					renames = append(renames, struct {
						oldKey, newKey string
						val            any
					}{k, newK, v})
				}
			} else {
				decodedK, err := keyCodec.Decode(k)
				if err != nil {
					return fmt.Errorf("failed to decode key %q at path %v: %w", k, newPath, err)
				}
				if decodedK != k {
					renames = append(renames, struct {
						oldKey, newKey string
						val            any
					}{k, decodedK, v})
				}
			}
		}
	}

	// 2) Apply the renames so the map keys reflect the new names.
	for _, r := range renames {
		delete(currentMap, r.oldKey)
		currentMap[r.newKey] = r.val
	}

	// 3) Now recurse into each child to see if they also want to rename sub-keys.
	//    Note that if we changed a key from oldK -> newK, we pass newK in pathSoFar.
	for k, v := range currentMap {
		newPath := slices.Clone(pathSoFar)
		newPath = append(newPath, k)
		if subMap, ok := v.(map[string]any); ok {
			if err := applyKeyCodecs(subMap, newPath, keyCodecFor, encodeMode); err != nil {
				return err
			}
		}
		// If it's not a map, there's no deeper keys to rename.
	}
	return nil
}

func applyValueCodecs(
	obj any,
	pathSoFar []string,
	valueCodecFor ValueCodecGetter,
	encodeMode bool,
) (any, error) {
	// If the caller has a value codec for this path, encode/decode the entire obj here.
	if valueCodecFor != nil {
		valCodec := valueCodecFor(pathSoFar)
		if valCodec != nil {
			var (
				buf       bytes.Buffer
				finalVal  any
				base64Str string
			)
			if encodeMode {
				if err := valCodec.Encode(&buf, obj); err != nil {
					return obj, fmt.Errorf("failed encoding at path %v: %w", pathSoFar, err)
				}
				base64Str = base64.StdEncoding.EncodeToString(buf.Bytes())
				return base64Str, nil
			}

			// Decode mode obj should be a base64-encoded string.
			strVal, ok := obj.(string)
			if !ok {
				// We expected it to be string but found something else, just skip.
				return obj, nil
			}
			rawBytes, err := base64.StdEncoding.DecodeString(strVal)
			if err != nil {
				return obj, fmt.Errorf("failed base64 decode at path %v: %w", pathSoFar, err)
			}
			if err := valCodec.Decode(bytes.NewReader(rawBytes), &finalVal); err != nil {
				return obj, fmt.Errorf("failed decode at path %v: %w", pathSoFar, err)
			}
			return finalVal, nil
		}
	}

	// No codec applies at this node. If obj is a map, recurse its children.
	m, ok := obj.(map[string]any)
	if !ok {
		// Not a map, nothing left to do.
		return obj, nil
	}

	for k, v := range m {
		newPath := slices.Clone(pathSoFar)
		newPath = append(newPath, k)
		newChild, err := applyValueCodecs(
			v,
			newPath,
			valueCodecFor,
			encodeMode,
		)
		if err != nil {
			return obj, err
		}
		// Store the possibly-encoded child back.
		m[k] = newChild
	}
	return m, nil
}

// sameFileInfo compares inode+device, size and ModTime.
func sameFileInfo(a, b os.FileInfo) bool {
	return a != nil && b != nil &&
		os.SameFile(a, b) &&
		a.Size() == b.Size() && a.ModTime().Equal(b.ModTime())
}
