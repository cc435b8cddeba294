package offline

import (
	"context"
	"net/url"
	"time"
)

// Sweep 删除当前版本各分区中超过类别最大缓存时间的条目，返回删除数量。
// 动态分区同时保存页面和API响应，按条目 URL 的类别分别判断。
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	now := w.clock.Now()
	removed := 0

	for _, kind := range []string{KindStatic, KindDynamic, KindImages} {
		part := w.partition(kind)
		entries, err := part.Entries(ctx)
		if err != nil {
			return removed, err
		}

		for _, sr := range entries {
			if sr.Fresh(now, w.maxAgeFor(kind, sr.URL)) {
				continue
			}
			if err := part.Delete(ctx, sr.URL); err != nil {
				w.log.WithError(err).WithField("url", sr.URL).Warn("删除过期条目失败")
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		w.log.WithField("removed", removed).Debug("分区清理完成")
	}
	return removed, nil
}

func (w *Worker) maxAgeFor(kind, rawURL string) time.Duration {
	switch kind {
	case KindImages:
		return w.config.ImageMaxAge
	case KindStatic:
		return w.config.StaticMaxAge
	}

	if u, err := url.Parse(rawURL); err == nil && w.classifier.Classify(u) == ClassAPI {
		return w.config.APIMaxAge
	}
	return w.config.PageMaxAge
}
