package kernel

var Env = &env{
	WriteLogStd:        true,
	LogPath:            "", //如果为空，则不会输出到文件,默认不输出日志
	ActorChanCacheSize: 128,
}

type env struct {
	ActorChanCacheSize int    `yaml:"actor_chan_cache_size"`
	LogPath            string `yaml:"log_path"`
	WriteLogStd        bool   `yaml:"write_log_std"`
}
