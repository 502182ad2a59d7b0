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

package mvcc

// undoEntry records, for one key touched by a transaction, enough to
// either promote the write on commit or restore the prior state on
// rollback: the map it belongs to, the key, and the versioned value
// observed immediately before this transaction's write (absent if
// the key held no value at all).
type undoEntry struct {
	mapName  string
	key      []byte
	hadPrior bool
	prior    versionedValue
}
