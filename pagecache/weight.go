// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package pagecache

import "sync/atomic"

type weightCounter struct {
	v atomic.Int64
}

func (w *weightCounter) add(delta int64) { w.v.Add(delta) }
func (w *weightCounter) get() int64      { return w.v.Load() }
func (w *weightCounter) set(v int64)     { w.v.Store(v) }
