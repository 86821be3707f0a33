// Copyright 2024 Google LLC
//
// This program is free software; you can redistribute it and/or
// modify it under the terms of the GNU General Public License
// as published by the Free Software Foundation; either version 2
// of the License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; If not, see <http://www.gnu.org/licenses/>.

package pab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteSizeString(t *testing.T) {
	assert.Equal(t, "512B", ByteSize(512).String())
	assert.Equal(t, "4.00KiB", (4 * Kilobyte).String())
	assert.Equal(t, "2.00MiB", HugePageSize.String())
	assert.Equal(t, "1.50GiB", (Gigabyte + 512*Megabyte).String())
	assert.Equal(t, "-2.00KiB", (-2 * Kilobyte).String())
}

func TestHugePageSize(t *testing.T) {
	assert.Equal(t, int64(2097152), HugePageSize.Bytes())
	assert.Zero(t, HugePageSize.Bytes()%NativePageSize().Bytes())
}

func TestCleanupsRunsInReverseOnce(t *testing.T) {
	var c Cleanups
	var order []int
	for i := 0; i < 3; i++ {
		c.Cleanup(func() { order = append(order, i) })
	}
	c.Run()
	c.Run()
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestCleanupsZeroValue(t *testing.T) {
	var c Cleanups
	assert.NotPanics(t, c.Run)
}
