// Copyright 2021 Hailiang Zhao <hliangzhao@zju.edu.cn>
// This file is part of the lightChain.
//
// The lightChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lightChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lightChain. If not, see <http://www.gnu.org/licenses/>.

package network

import "encoding/json"

// encodeCoreList/decodeCoreList serialize a core-peer set for the payload
// field of a CORE_LIST envelope.
func encodeCoreList(peers []string) string {
	b, err := json.Marshal(peers)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeCoreList(payload string) ([]string, error) {
	var peers []string
	if err := json.Unmarshal([]byte(payload), &peers); err != nil {
		return nil, err
	}
	return peers, nil
}
