package h264

import (
	"github.com/Eyevinn/mp4ff/avc"
)

// UnitInfo はアクセスユニットに含まれるNALユニットの概要
type UnitInfo struct {
	Types    []avc.NaluType // 含まれるNALユニットの種別
	Keyframe bool           // IDRを含む
	HasSPS   bool           // SPSを含む
	Width    int            // SPSから得た幅（SPSが無ければ0）
	Height   int            // SPSから得た高さ（SPSが無ければ0）
}

// Inspect はアクセスユニットを解析する
// 解析できない部分は無視する
func Inspect(unit []byte) UnitInfo {
	var info UnitInfo
	for _, nalu := range avc.ExtractNalusFromByteStream(unit) {
		if len(nalu) == 0 {
			continue
		}
		naluType := avc.GetNaluType(nalu[0])
		info.Types = append(info.Types, naluType)

		switch naluType {
		case avc.NALU_IDR:
			info.Keyframe = true
		case avc.NALU_SPS:
			info.HasSPS = true
			sps, err := avc.ParseSPSNALUnit(nalu, false)
			if err != nil {
				continue
			}
			info.Width = int(sps.Width)
			info.Height = int(sps.Height)
		}
	}
	return info
}
