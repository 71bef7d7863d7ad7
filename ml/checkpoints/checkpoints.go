/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package checkpoints saves and restores a sharded optimizer's state to disk.
//
// Every worker saves its own shard: a checkpoint of a world of N workers is N
// pairs of files in a shared directory, a JSON metadata file and a gob data
// file per rank, named by step. Loading reads the newest step for which the
// full set of ranks is present and hands all shards to
// zero.Optimizer.LoadStateDict, so elastic checkpoints can be restored at a
// different world size than they were saved at.
//
// Typical usage:
//
//	handler, err := checkpoints.Build(opt).Dir(dir).Keep(3).Done()
//	...
//	step, err := handler.LoadLatest(true, true) // step < 0: nothing saved yet
//	...
//	err = handler.Save(step)
package checkpoints

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/strint/zeroshard/ml/zero"
)

// Metadata is the JSON sidecar of one saved shard.
type Metadata struct {
	Step      int
	Rank      int
	WorldSize int
	Elastic   bool
	SavedAt   time.Time
}

// Config is built with Build and configured with the chained methods; call
// Done to validate it and construct the Handler.
type Config struct {
	opt  *zero.Optimizer
	dir  string
	keep int
	err  error
}

// Build starts the configuration of a checkpoint Handler for the given
// sharded optimizer.
func Build(opt *zero.Optimizer) *Config {
	return &Config{opt: opt, keep: -1}
}

// Dir sets the directory shared by all workers. It is created if needed.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	return c
}

// Keep sets how many of this worker's newest checkpoints to retain; older
// ones are removed after each Save. Defaults to keeping all.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done validates the configuration and builds the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.opt == nil {
		return nil, errors.New("checkpoints: an optimizer is required")
	}
	if c.dir == "" {
		return nil, errors.New("checkpoints: a directory is required, set it with Dir()")
	}
	if err := os.MkdirAll(c.dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "checkpoints: creating directory %q", c.dir)
	}
	return &Handler{opt: c.opt, dir: c.dir, keep: c.keep}, nil
}

// Handler saves and restores one worker's shard of the optimizer. Each worker
// owns its own Handler; they share the directory but never write the same
// file.
type Handler struct {
	opt  *zero.Optimizer
	dir  string
	keep int
}

func shardBaseName(step, rank int) string {
	return fmt.Sprintf("step-%09d-rank-%05d", step, rank)
}

// Save snapshots the local shard under the given step number and prunes this
// worker's older checkpoints past the configured Keep count.
func (h *Handler) Save(step int) error {
	base := filepath.Join(h.dir, shardBaseName(step, h.opt.Rank()))
	sd := h.opt.StateDict()

	meta := Metadata{
		Step:      step,
		Rank:      h.opt.Rank(),
		WorldSize: h.opt.WorldSize(),
		Elastic:   sd.Elastic,
		SavedAt:   time.Now(),
	}
	encoded, err := json.MarshalIndent(meta, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "checkpoints: encoding metadata for step %d", step)
	}
	if err := os.WriteFile(base+".json", encoded, 0666); err != nil {
		return errors.Wrapf(err, "checkpoints: writing %q", base+".json")
	}

	f, err := os.Create(base + ".bin")
	if err != nil {
		return errors.Wrapf(err, "checkpoints: creating %q", base+".bin")
	}
	if err := gob.NewEncoder(f).Encode(sd); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "checkpoints: serializing step %d", step)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "checkpoints: closing %q", base+".bin")
	}
	klog.V(1).Infof("checkpoints: rank %d saved step %d to %s", h.opt.Rank(), step, h.dir)
	return h.prune()
}

// prune removes this worker's oldest checkpoints beyond the Keep count. Other
// workers' files are left alone.
func (h *Handler) prune() error {
	if h.keep < 0 {
		return nil
	}
	steps, err := h.stepsForRank(h.opt.Rank())
	if err != nil {
		return err
	}
	for len(steps) > h.keep {
		base := filepath.Join(h.dir, shardBaseName(steps[0], h.opt.Rank()))
		for _, suffix := range []string{".json", ".bin"} {
			if err := os.Remove(base + suffix); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "checkpoints: pruning %q", base+suffix)
			}
		}
		steps = steps[1:]
	}
	return nil
}

// stepsForRank lists the step numbers this rank has saved, ascending.
func (h *Handler) stepsForRank(rank int) ([]int, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoints: listing %q", h.dir)
	}
	var steps []int
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var step, r int
		if n, _ := fmt.Sscanf(entry.Name(), "step-%d-rank-%d.json", &step, &r); n == 2 && r == rank {
			steps = append(steps, step)
		}
	}
	slices.Sort(steps)
	return steps, nil
}

// LatestStep returns the newest step for which a complete set of shards is
// present, or -1 if there is none.
func (h *Handler) LatestStep() (int, error) {
	steps, err := h.stepsForRank(0)
	if err != nil {
		return -1, err
	}
	for i := len(steps) - 1; i >= 0; i-- {
		complete, err := h.isComplete(steps[i])
		if err != nil {
			return -1, err
		}
		if complete {
			return steps[i], nil
		}
	}
	return -1, nil
}

// isComplete checks that every rank of the saving world wrote its shard of
// the step.
func (h *Handler) isComplete(step int) (bool, error) {
	meta, err := h.readMetadata(step, 0)
	if err != nil {
		return false, err
	}
	for rank := 1; rank < meta.WorldSize; rank++ {
		base := filepath.Join(h.dir, shardBaseName(step, rank))
		if _, err := os.Stat(base + ".bin"); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, errors.Wrapf(err, "checkpoints: checking %q", base+".bin")
		}
	}
	return true, nil
}

func (h *Handler) readMetadata(step, rank int) (meta Metadata, err error) {
	path := filepath.Join(h.dir, shardBaseName(step, rank)+".json")
	encoded, err := os.ReadFile(path)
	if err != nil {
		return meta, errors.Wrapf(err, "checkpoints: reading %q", path)
	}
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return meta, errors.Wrapf(err, "checkpoints: decoding %q", path)
	}
	return meta, nil
}

// LoadLatest restores the optimizer from the newest complete checkpoint,
// reading the shards of every rank of the saving world. It returns the loaded
// step, or a negative step and nil error when the directory holds no complete
// checkpoint. The flags are passed through to zero.Optimizer.LoadStateDict.
func (h *Handler) LoadLatest(loadOptimizerStates, loadFromFP32Weights bool) (int, error) {
	step, err := h.LatestStep()
	if err != nil || step < 0 {
		return step, err
	}
	meta, err := h.readMetadata(step, 0)
	if err != nil {
		return -1, err
	}

	dicts := make([]*zero.StateDict, meta.WorldSize)
	for rank := 0; rank < meta.WorldSize; rank++ {
		path := filepath.Join(h.dir, shardBaseName(step, rank)+".bin")
		f, err := os.Open(path)
		if err != nil {
			return -1, errors.Wrapf(err, "checkpoints: opening %q", path)
		}
		sd := &zero.StateDict{}
		err = gob.NewDecoder(f).Decode(sd)
		_ = f.Close()
		if err != nil {
			return -1, errors.Wrapf(err, "checkpoints: deserializing %q", path)
		}
		dicts[rank] = sd
	}

	if err := h.opt.LoadStateDict(dicts, loadOptimizerStates, loadFromFP32Weights); err != nil {
		return -1, err
	}
	klog.V(1).Infof("checkpoints: rank %d restored step %d from a world of %d workers",
		h.opt.Rank(), step, meta.WorldSize)
	return step, nil
}
